package mesh

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ModelKind discriminates the closed family of 2D parametric transforms. It
// is the tagged-variant replacement for a class hierarchy: className in the
// wire format is a pure discriminator onto one of these kinds.
type ModelKind int

const (
	KindTranslation ModelKind = iota
	KindRigid
	KindSimilarity
	KindAffine
	KindHomography
)

// minPoints is the fewest weighted matches each model kind can fit from.
var minPoints = map[ModelKind]int{
	KindTranslation: 1,
	KindRigid:       2,
	KindSimilarity:  2,
	KindAffine:      3,
	KindHomography:  4,
}

func (k ModelKind) String() string {
	switch k {
	case KindTranslation:
		return "Translation"
	case KindRigid:
		return "Rigid"
	case KindSimilarity:
		return "Similarity"
	case KindAffine:
		return "Affine"
	case KindHomography:
		return "Homography"
	default:
		return "Unknown"
	}
}

// Model is the common interface every 2D transform kind implements.
type Model interface {
	// Apply returns p with W overwritten by applying the transform to L.
	Apply(p Point) Point
	// ApplyInverse returns p with W mapped back to a local coordinate, or
	// ErrNonInvertibleModel if the transform has no inverse.
	ApplyInverse(p Point) (Point, error)
	// Fit estimates parameters by weighted least squares from matches
	// (matches[i].P1.L is the input, matches[i].P2.L is the target it
	// should map to). Returns ErrNotEnoughDataPoints if there are fewer
	// than the kind's minimum, or if the normal equations are singular.
	Fit(matches []PointMatch) error
	// ToArray returns the canonical flat parameter vector.
	ToArray() []float64
	// FromArray restores parameters from a canonical flat vector.
	FromArray(params []float64) error
	// Cost returns the mean transfer error (world distance between
	// Apply(p1) and p2) over matches.
	Cost(matches []PointMatch) float64
	// ClassName is the wire-format discriminator string.
	ClassName() string
	// Kind reports which of the closed family this model is.
	Kind() ModelKind
}

// Composable is implemented by the affine-closed family (everything except
// Homography): two such models can be composed into a third.
type Composable interface {
	Model
	// Compose returns a model equivalent to applying other first, then the
	// receiver: compose(other).Apply(p) == receiver.Apply(other.Apply(p)).
	Compose(other Composable) (Composable, error)
	// Preconcatenate returns a model equivalent to applying the receiver
	// first, then other: preconcatenate(other).Apply(p) == other.Apply(receiver.Apply(p)).
	Preconcatenate(other Composable) (Composable, error)
}

// NewModel constructs a zero-valued (identity) model of the given kind.
func NewModel(kind ModelKind) (Model, error) {
	switch kind {
	case KindTranslation:
		return &TranslationModel{}, nil
	case KindRigid:
		return &RigidModel{Cos: 1}, nil
	case KindSimilarity:
		return &SimilarityModel{M00: 1, M11: 1}, nil
	case KindAffine:
		return &AffineModel{M00: 1, M11: 1}, nil
	case KindHomography:
		h := &HomographyModel{}
		h.params = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
		return h, nil
	default:
		return nil, fmt.Errorf("unknown model kind %d", kind)
	}
}

// classNameKind maps a wire-format className discriminator back to its
// ModelKind, the inverse of each model's ClassName method.
var classNameKind = map[string]ModelKind{
	"Translation2D":     KindTranslation,
	"RigidModel2D":      KindRigid,
	"SimilarityModel2D": KindSimilarity,
	"AffineModel2D":     KindAffine,
	"HomographyModel2D": KindHomography,
}

// ModelDataString renders m's canonical parameter vector as the
// comma-separated dataString every closed-family model kind serializes to.
func ModelDataString(m Model) string {
	params := m.ToArray()
	parts := make([]string, len(params))
	for i, v := range params {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ParseTransformDescriptor reconstructs the Model named by a
// TransformDescriptor's className/dataString pair.
func ParseTransformDescriptor(desc TransformDescriptor) (Model, error) {
	kind, ok := classNameKind[desc.ClassName]
	if !ok {
		return nil, fmt.Errorf("unknown transform className %q", desc.ClassName)
	}
	m, err := NewModel(kind)
	if err != nil {
		return nil, err
	}
	params, err := parseFloatCSV(desc.DataString)
	if err != nil {
		return nil, fmt.Errorf("parsing dataString for %s: %w", desc.ClassName, err)
	}
	if err := m.FromArray(params); err != nil {
		return nil, err
	}
	return m, nil
}

func parseFloatCSV(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// meanCost computes the mean Euclidean transfer error of applying m to
// matches[i].P1.L and comparing against matches[i].P2.L, weighted by
// matches[i].Weight. A weight-zero match contributes nothing.
func meanCost(m Model, matches []PointMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	var sum, wsum float64
	for _, pm := range matches {
		applied := m.Apply(Point{L: pm.P1.L})
		dx := applied.W[0] - pm.P2.L[0]
		dy := applied.W[1] - pm.P2.L[1]
		w := pm.Weight
		if w < 0 {
			w = 0
		}
		sum += w * hypot(dx, dy)
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// ---- Translation ----

// TranslationModel is a pure 2-parameter (tx, ty) shift.
type TranslationModel struct {
	Tx, Ty float64
}

func (m *TranslationModel) ClassName() string { return "Translation2D" }
func (m *TranslationModel) Kind() ModelKind   { return KindTranslation }

func (m *TranslationModel) Apply(p Point) Point {
	p.W[0] = p.L[0] + m.Tx
	p.W[1] = p.L[1] + m.Ty
	return p
}

func (m *TranslationModel) ApplyInverse(p Point) (Point, error) {
	p.W[0] = p.L[0] - m.Tx
	p.W[1] = p.L[1] - m.Ty
	return p, nil
}

func (m *TranslationModel) Fit(matches []PointMatch) error {
	if len(matches) < minPoints[KindTranslation] {
		return ErrNotEnoughDataPoints
	}
	var sx, sy, sw float64
	for _, pm := range matches {
		w := pm.Weight
		if w < 0 {
			w = 0
		}
		sx += w * (pm.P2.L[0] - pm.P1.L[0])
		sy += w * (pm.P2.L[1] - pm.P1.L[1])
		sw += w
	}
	if sw == 0 {
		return ErrNotEnoughDataPoints
	}
	m.Tx = sx / sw
	m.Ty = sy / sw
	return nil
}

func (m *TranslationModel) ToArray() []float64 { return []float64{m.Tx, m.Ty} }

func (m *TranslationModel) FromArray(params []float64) error {
	if len(params) != 2 {
		return fmt.Errorf("translation model: expected 2 params, got %d", len(params))
	}
	m.Tx, m.Ty = params[0], params[1]
	return nil
}

func (m *TranslationModel) Cost(matches []PointMatch) float64 { return meanCost(m, matches) }

func (m *TranslationModel) Compose(other Composable) (Composable, error) {
	a, ok := toAffine(other)
	if !ok {
		return nil, fmt.Errorf("cannot compose Translation with %s", other.ClassName())
	}
	self := &AffineModel{M00: 1, M11: 1, Tx: m.Tx, Ty: m.Ty}
	return self.Compose(a)
}

func (m *TranslationModel) Preconcatenate(other Composable) (Composable, error) {
	a, ok := toAffine(other)
	if !ok {
		return nil, fmt.Errorf("cannot preconcatenate Translation with %s", other.ClassName())
	}
	self := &AffineModel{M00: 1, M11: 1, Tx: m.Tx, Ty: m.Ty}
	return self.Preconcatenate(a)
}

// ---- Rigid (rotation + translation) ----

// RigidModel is a 3-parameter rotation+translation transform stored as
// (cos, sin, tx, ty) to avoid re-deriving the angle on every Apply.
type RigidModel struct {
	Cos, Sin float64
	Tx, Ty   float64
}

func (m *RigidModel) ClassName() string { return "RigidModel2D" }
func (m *RigidModel) Kind() ModelKind   { return KindRigid }

func (m *RigidModel) Apply(p Point) Point {
	p.W[0] = m.Cos*p.L[0] - m.Sin*p.L[1] + m.Tx
	p.W[1] = m.Sin*p.L[0] + m.Cos*p.L[1] + m.Ty
	return p
}

func (m *RigidModel) ApplyInverse(p Point) (Point, error) {
	dx := p.L[0] - m.Tx
	dy := p.L[1] - m.Ty
	p.W[0] = m.Cos*dx + m.Sin*dy
	p.W[1] = -m.Sin*dx + m.Cos*dy
	return p, nil
}

// Fit estimates rotation+translation by first aligning centroids, then
// solving for the rotation that best maps centered source points to
// centered target points (a closed-form 2D Procrustes fit, the standard
// minimal generalization of a translation-only least squares fit).
func (m *RigidModel) Fit(matches []PointMatch) error {
	if len(matches) < minPoints[KindRigid] {
		return ErrNotEnoughDataPoints
	}
	var sw, scx, scy, tcx, tcy float64
	for _, pm := range matches {
		w := pm.Weight
		if w < 0 {
			w = 0
		}
		sw += w
		scx += w * pm.P1.L[0]
		scy += w * pm.P1.L[1]
		tcx += w * pm.P2.L[0]
		tcy += w * pm.P2.L[1]
	}
	if sw == 0 {
		return ErrNotEnoughDataPoints
	}
	scx, scy, tcx, tcy = scx/sw, scy/sw, tcx/sw, tcy/sw

	var sxx, sxy float64
	for _, pm := range matches {
		w := pm.Weight
		if w < 0 {
			w = 0
		}
		sx, sy := pm.P1.L[0]-scx, pm.P1.L[1]-scy
		tx, ty := pm.P2.L[0]-tcx, pm.P2.L[1]-tcy
		sxx += w * (sx*tx + sy*ty)
		sxy += w * (sx*ty - sy*tx)
	}
	norm := hypot(sxx, sxy)
	if norm < 1e-12 {
		return ErrNotEnoughDataPoints
	}
	m.Cos = sxx / norm
	m.Sin = sxy / norm
	m.Tx = tcx - (m.Cos*scx - m.Sin*scy)
	m.Ty = tcy - (m.Sin*scx + m.Cos*scy)
	return nil
}

func (m *RigidModel) ToArray() []float64 {
	return []float64{m.Cos, m.Sin, -m.Sin, m.Cos, m.Tx, m.Ty}
}

func (m *RigidModel) FromArray(params []float64) error {
	if len(params) != 6 {
		return fmt.Errorf("rigid model: expected 6 params, got %d", len(params))
	}
	m.Cos, m.Sin, m.Tx, m.Ty = params[0], params[1], params[4], params[5]
	return nil
}

func (m *RigidModel) Cost(matches []PointMatch) float64 { return meanCost(m, matches) }

func (m *RigidModel) toAffineModel() *AffineModel {
	return &AffineModel{M00: m.Cos, M10: m.Sin, M01: -m.Sin, M11: m.Cos, Tx: m.Tx, Ty: m.Ty}
}

func (m *RigidModel) Compose(other Composable) (Composable, error) {
	a, ok := toAffine(other)
	if !ok {
		return nil, fmt.Errorf("cannot compose Rigid with %s", other.ClassName())
	}
	return m.toAffineModel().Compose(a)
}

func (m *RigidModel) Preconcatenate(other Composable) (Composable, error) {
	a, ok := toAffine(other)
	if !ok {
		return nil, fmt.Errorf("cannot preconcatenate Rigid with %s", other.ClassName())
	}
	return m.toAffineModel().Preconcatenate(a)
}

// ---- Similarity (rotation + uniform scale + translation) ----

// SimilarityModel is a 4-parameter rotation+scale+translation transform,
// stored directly as the 2x2 linear part plus translation so Apply needs
// no trigonometry.
type SimilarityModel struct {
	M00, M10, M01, M11 float64
	Tx, Ty             float64
}

func (m *SimilarityModel) ClassName() string { return "SimilarityModel2D" }
func (m *SimilarityModel) Kind() ModelKind   { return KindSimilarity }

func (m *SimilarityModel) Apply(p Point) Point {
	p.W[0] = m.M00*p.L[0] + m.M01*p.L[1] + m.Tx
	p.W[1] = m.M10*p.L[0] + m.M11*p.L[1] + m.Ty
	return p
}

func (m *SimilarityModel) ApplyInverse(p Point) (Point, error) {
	det := m.M00*m.M11 - m.M01*m.M10
	if math.Abs(det) < 1e-12 {
		return Point{}, ErrNonInvertibleModel
	}
	dx := p.L[0] - m.Tx
	dy := p.L[1] - m.Ty
	p.W[0] = (m.M11*dx - m.M01*dy) / det
	p.W[1] = (-m.M10*dx + m.M00*dy) / det
	return p, nil
}

// Fit solves for scale and rotation jointly via the same centroid-aligned
// closed form as RigidModel, but without normalizing the rotation vector to
// unit length — the retained magnitude is the scale factor.
func (m *SimilarityModel) Fit(matches []PointMatch) error {
	if len(matches) < minPoints[KindSimilarity] {
		return ErrNotEnoughDataPoints
	}
	var sw, scx, scy, tcx, tcy float64
	for _, pm := range matches {
		w := pm.Weight
		if w < 0 {
			w = 0
		}
		sw += w
		scx += w * pm.P1.L[0]
		scy += w * pm.P1.L[1]
		tcx += w * pm.P2.L[0]
		tcy += w * pm.P2.L[1]
	}
	if sw == 0 {
		return ErrNotEnoughDataPoints
	}
	scx, scy, tcx, tcy = scx/sw, scy/sw, tcx/sw, tcy/sw

	var sxx, sxy, denom float64
	for _, pm := range matches {
		w := pm.Weight
		if w < 0 {
			w = 0
		}
		sx, sy := pm.P1.L[0]-scx, pm.P1.L[1]-scy
		tx, ty := pm.P2.L[0]-tcx, pm.P2.L[1]-tcy
		sxx += w * (sx*tx + sy*ty)
		sxy += w * (sx*ty - sy*tx)
		denom += w * (sx*sx + sy*sy)
	}
	if denom < 1e-12 {
		return ErrNotEnoughDataPoints
	}
	a := sxx / denom
	b := sxy / denom
	m.M00, m.M10, m.M01, m.M11 = a, b, -b, a
	m.Tx = tcx - (a*scx - b*scy)
	m.Ty = tcy - (b*scx + a*scy)
	return nil
}

func (m *SimilarityModel) ToArray() []float64 {
	return []float64{m.M00, m.M10, m.M01, m.M11, m.Tx, m.Ty}
}

func (m *SimilarityModel) FromArray(params []float64) error {
	if len(params) != 6 {
		return fmt.Errorf("similarity model: expected 6 params, got %d", len(params))
	}
	m.M00, m.M10, m.M01, m.M11, m.Tx, m.Ty = params[0], params[1], params[2], params[3], params[4], params[5]
	return nil
}

func (m *SimilarityModel) Cost(matches []PointMatch) float64 { return meanCost(m, matches) }

func (m *SimilarityModel) toAffineModel() *AffineModel {
	return &AffineModel{M00: m.M00, M10: m.M10, M01: m.M01, M11: m.M11, Tx: m.Tx, Ty: m.Ty}
}

func (m *SimilarityModel) Compose(other Composable) (Composable, error) {
	a, ok := toAffine(other)
	if !ok {
		return nil, fmt.Errorf("cannot compose Similarity with %s", other.ClassName())
	}
	return m.toAffineModel().Compose(a)
}

func (m *SimilarityModel) Preconcatenate(other Composable) (Composable, error) {
	a, ok := toAffine(other)
	if !ok {
		return nil, fmt.Errorf("cannot preconcatenate Similarity with %s", other.ClassName())
	}
	return m.toAffineModel().Preconcatenate(a)
}

// ---- Affine (general 6-parameter linear + translation) ----

// AffineModel is the general 6-parameter affine transform, stored in the
// canonical flat form [m00, m10, m01, m11, tx, ty]:
//
//	x' = m00*x + m01*y + tx
//	y' = m10*x + m11*y + ty
type AffineModel struct {
	M00, M10, M01, M11 float64
	Tx, Ty             float64
}

func (m *AffineModel) ClassName() string { return "AffineModel2D" }
func (m *AffineModel) Kind() ModelKind   { return KindAffine }

func (m *AffineModel) Apply(p Point) Point {
	p.W[0] = m.M00*p.L[0] + m.M01*p.L[1] + m.Tx
	p.W[1] = m.M10*p.L[0] + m.M11*p.L[1] + m.Ty
	return p
}

func (m *AffineModel) ApplyInverse(p Point) (Point, error) {
	det := m.M00*m.M11 - m.M01*m.M10
	if math.Abs(det) < 1e-12 {
		return Point{}, ErrNonInvertibleModel
	}
	dx := p.L[0] - m.Tx
	dy := p.L[1] - m.Ty
	p.W[0] = (m.M11*dx - m.M01*dy) / det
	p.W[1] = (-m.M10*dx + m.M00*dy) / det
	return p, nil
}

// Fit solves two independent weighted-least-squares systems (one for each
// output dimension) against the shared 3x3 normal-equations matrix built
// from [x, y, 1]. Reports ErrNotEnoughDataPoints when the normal matrix is
// singular rather than returning NaN.
func (m *AffineModel) Fit(matches []PointMatch) error {
	if len(matches) < minPoints[KindAffine] {
		return ErrNotEnoughDataPoints
	}
	// Normal equations for [a, b, c] solving x*a + y*b + c = target, per axis.
	var sxx, sxy, sx, syy, sy, sw float64
	var sxtx, sytx, stx float64
	var sxty, syty, sty float64
	for _, pm := range matches {
		w := pm.Weight
		if w < 0 {
			w = 0
		}
		x, y := pm.P1.L[0], pm.P1.L[1]
		tx, ty := pm.P2.L[0], pm.P2.L[1]
		sxx += w * x * x
		sxy += w * x * y
		sx += w * x
		syy += w * y * y
		sy += w * y
		sw += w
		sxtx += w * x * tx
		sytx += w * y * tx
		stx += w * tx
		sxty += w * x * ty
		syty += w * y * ty
		sty += w * ty
	}
	a := [3][3]float64{
		{sxx, sxy, sx},
		{sxy, syy, sy},
		{sx, sy, sw},
	}
	colX := [3]float64{sxtx, sytx, stx}
	colY := [3]float64{sxty, syty, sty}
	rowX, ok := solve3(a, colX)
	if !ok {
		return ErrNotEnoughDataPoints
	}
	rowY, ok := solve3(a, colY)
	if !ok {
		return ErrNotEnoughDataPoints
	}
	m.M00, m.M01, m.Tx = rowX[0], rowX[1], rowX[2]
	m.M10, m.M11, m.Ty = rowY[0], rowY[1], rowY[2]
	return nil
}

func (m *AffineModel) ToArray() []float64 {
	return []float64{m.M00, m.M10, m.M01, m.M11, m.Tx, m.Ty}
}

func (m *AffineModel) FromArray(params []float64) error {
	if len(params) != 6 {
		return fmt.Errorf("affine model: expected 6 params, got %d", len(params))
	}
	m.M00, m.M10, m.M01, m.M11, m.Tx, m.Ty = params[0], params[1], params[2], params[3], params[4], params[5]
	return nil
}

func (m *AffineModel) Cost(matches []PointMatch) float64 { return meanCost(m, matches) }

// Compose returns a model equivalent to applying other then the receiver.
func (m *AffineModel) Compose(other Composable) (Composable, error) {
	o, ok := toAffine(other)
	if !ok {
		return nil, fmt.Errorf("cannot compose Affine with %s", other.ClassName())
	}
	return &AffineModel{
		M00: m.M00*o.M00 + m.M01*o.M10,
		M01: m.M00*o.M01 + m.M01*o.M11,
		M10: m.M10*o.M00 + m.M11*o.M10,
		M11: m.M10*o.M01 + m.M11*o.M11,
		Tx:  m.M00*o.Tx + m.M01*o.Ty + m.Tx,
		Ty:  m.M10*o.Tx + m.M11*o.Ty + m.Ty,
	}, nil
}

// Preconcatenate returns a model equivalent to applying the receiver then
// other.
func (m *AffineModel) Preconcatenate(other Composable) (Composable, error) {
	o, ok := toAffine(other)
	if !ok {
		return nil, fmt.Errorf("cannot preconcatenate Affine with %s", other.ClassName())
	}
	return o.Compose(m)
}

// toAffine widens any affine-family model to its AffineModel representation
// so Compose/Preconcatenate can operate on a single concrete shape.
func toAffine(m Composable) (*AffineModel, bool) {
	switch v := m.(type) {
	case *AffineModel:
		return v, true
	case *SimilarityModel:
		return v.toAffineModel(), true
	case *RigidModel:
		return v.toAffineModel(), true
	case *TranslationModel:
		return &AffineModel{M00: 1, M11: 1, Tx: v.Tx, Ty: v.Ty}, true
	default:
		return nil, false
	}
}

// solve3 solves the 3x3 linear system a*x = b via Cramer's rule, reporting
// ok=false when the determinant is too close to singular to trust.
func solve3(a [3][3]float64, b [3]float64) (x [3]float64, ok bool) {
	det := det3(a)
	if math.Abs(det) < 1e-9 {
		return x, false
	}
	for col := 0; col < 3; col++ {
		m := a
		for row := 0; row < 3; row++ {
			m[row][col] = b[row]
		}
		x[col] = det3(m) / det
	}
	return x, true
}

func det3(m [3][3]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// ---- Homography (projective, not affine-closed) ----

// HomographyModel is a 9-parameter row-major projective transform. It is
// the only model kind in the family that is not closed under composition
// with the affine models, per spec.md §4.A.
type HomographyModel struct {
	params [9]float64 // row-major 3x3, params[8] is typically normalized to 1
}

func (m *HomographyModel) ClassName() string { return "HomographyModel2D" }
func (m *HomographyModel) Kind() ModelKind   { return KindHomography }

func (m *HomographyModel) Apply(p Point) Point {
	x, y := p.L[0], p.L[1]
	w := m.params[6]*x + m.params[7]*y + m.params[8]
	if w == 0 {
		w = 1
	}
	p.W[0] = (m.params[0]*x + m.params[1]*y + m.params[2]) / w
	p.W[1] = (m.params[3]*x + m.params[4]*y + m.params[5]) / w
	return p
}

func (m *HomographyModel) ApplyInverse(p Point) (Point, error) {
	inv, ok := invert3x3(m.params)
	if !ok {
		return Point{}, ErrNonInvertibleModel
	}
	inverse := &HomographyModel{params: inv}
	return inverse.Apply(Point{L: p.L}), nil
}

// Fit solves the homography via the direct linear transform: each match
// contributes two rows of a homogeneous linear system A*h = 0 with
// params[8] pinned to 1 to remove the scale ambiguity, solved in
// least-squares form via the normal equations over the 8 free parameters.
func (m *HomographyModel) Fit(matches []PointMatch) error {
	if len(matches) < minPoints[KindHomography] {
		return ErrNotEnoughDataPoints
	}
	var ata [8][8]float64
	var atb [8]float64
	for _, pm := range matches {
		w := pm.Weight
		if w < 0 {
			w = 0
		}
		x, y := pm.P1.L[0], pm.P1.L[1]
		u, v := pm.P2.L[0], pm.P2.L[1]
		// Row for u: h0*x + h1*y + h2 - h6*x*u - h7*y*u = u
		rowU := [8]float64{x, y, 1, 0, 0, 0, -x * u, -y * u}
		// Row for v: h3*x + h4*y + h5 - h6*x*v - h7*y*v = v
		rowV := [8]float64{0, 0, 0, x, y, 1, -x * v, -y * v}
		accumulateRow(&ata, &atb, rowU, u, w)
		accumulateRow(&ata, &atb, rowV, v, w)
	}
	h, ok := solveN(ata, atb)
	if !ok {
		return ErrNotEnoughDataPoints
	}
	copy(m.params[:8], h[:])
	m.params[8] = 1
	return nil
}

func accumulateRow(ata *[8][8]float64, atb *[8]float64, row [8]float64, target, w float64) {
	for i := 0; i < 8; i++ {
		atb[i] += w * row[i] * target
		for j := 0; j < 8; j++ {
			ata[i][j] += w * row[i] * row[j]
		}
	}
}

func (m *HomographyModel) ToArray() []float64 {
	out := make([]float64, 9)
	copy(out, m.params[:])
	return out
}

func (m *HomographyModel) FromArray(params []float64) error {
	if len(params) != 9 {
		return fmt.Errorf("homography model: expected 9 params, got %d", len(params))
	}
	copy(m.params[:], params)
	return nil
}

func (m *HomographyModel) Cost(matches []PointMatch) float64 { return meanCost(m, matches) }

func invert3x3(p [9]float64) ([9]float64, bool) {
	a := [3][3]float64{{p[0], p[1], p[2]}, {p[3], p[4], p[5]}, {p[6], p[7], p[8]}}
	det := det3(a)
	if math.Abs(det) < 1e-12 {
		return [9]float64{}, false
	}
	var out [9]float64
	cof := [3][3]float64{
		{a[1][1]*a[2][2] - a[1][2]*a[2][1], a[1][2]*a[2][0] - a[1][0]*a[2][2], a[1][0]*a[2][1] - a[1][1]*a[2][0]},
		{a[0][2]*a[2][1] - a[0][1]*a[2][2], a[0][0]*a[2][2] - a[0][2]*a[2][0], a[0][1]*a[2][0] - a[0][0]*a[2][1]},
		{a[0][1]*a[1][2] - a[0][2]*a[1][1], a[0][2]*a[1][0] - a[0][0]*a[1][2], a[0][0]*a[1][1] - a[0][1]*a[1][0]},
	}
	idx := 0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[idx] = cof[i][j] / det
			idx++
		}
	}
	return out, true
}

// solveN solves an 8x8 symmetric normal-equations system via Gaussian
// elimination with partial pivoting.
func solveN(a [8][8]float64, b [8]float64) ([8]float64, bool) {
	var x [8]float64
	const n = 8
	for col := 0; col < n; col++ {
		pivot := col
		maxVal := math.Abs(a[col][col])
		for r := col + 1; r < n; r++ {
			if v := math.Abs(a[r][col]); v > maxVal {
				pivot, maxVal = r, v
			}
		}
		if maxVal < 1e-12 {
			return x, false
		}
		if pivot != col {
			a[col], a[pivot] = a[pivot], a[col]
			b[col], b[pivot] = b[pivot], b[col]
		}
		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}
	for row := n - 1; row >= 0; row-- {
		sum := b[row]
		for c := row + 1; c < n; c++ {
			sum -= a[row][c] * x[c]
		}
		x[row] = sum / a[row][row]
	}
	return x, true
}
