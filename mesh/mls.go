package mesh

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ControlPoint is one (local, world, weight) sample feeding a restricted
// moving-least-squares fit — typically a spring mesh's active and passive
// vertices read off after relaxation.
type ControlPoint struct {
	L, W   [2]float64
	Weight float64
}

// MLSTransform is a restricted moving-least-squares transform: at each
// evaluation point it fits a fresh local affine from the control points
// inside its bounding box, weighted by inverse distance. It is the
// transform the aligner (component E) fits from the relaxed mesh for every
// tile, and it is never composed into an affine model — it is appended to
// a tile's transform chain as its own link, per spec.md §4.F.
type MLSTransform struct {
	Alpha    float64
	Radius   float64
	BBox     orb.Bound
	Controls []ControlPoint

	// Fallback holds a single affine model fit from the nearest available
	// controls when restriction leaves fewer than 3 inside BBox. Nil in
	// the common case.
	Fallback *AffineModel
}

// mlsClassName is the wire-format discriminator for an MLSTransform, used
// by ApplyDescriptorChain (tilespec.go) to recognize an MLS link in a
// tile's transform chain distinct from the closed-family models.
const mlsClassName = "MovingLeastSquaresTransform2D"

func (m *MLSTransform) ClassName() string { return mlsClassName }

// NewMLSTransform restricts allControls to tile's world bounding box
// inflated by 2x the median nearest-neighbor distance among allControls,
// and builds a transform that will re-fit a local affine around every
// evaluation point from that restricted set. If restriction leaves fewer
// than 3 controls, it falls back to an affine fit over the 3 controls
// nearest to tile's center; with fewer than 3 controls available at all
// it returns ErrNotEnoughDataPoints.
func NewMLSTransform(allControls []ControlPoint, tile orb.Bound, alpha float64) (*MLSTransform, error) {
	if alpha <= 0 {
		alpha = 2
	}
	if len(allControls) < 3 {
		return nil, ErrNotEnoughDataPoints
	}

	radius := 2 * medianNearestNeighborDistance(allControls)
	inflated := orb.Bound{
		Min: orb.Point{tile.Min[0] - radius, tile.Min[1] - radius},
		Max: orb.Point{tile.Max[0] + radius, tile.Max[1] + radius},
	}

	var restricted []ControlPoint
	for _, c := range allControls {
		if inflated.Contains(orb.Point{c.L[0], c.L[1]}) {
			restricted = append(restricted, c)
		}
	}

	if len(restricted) >= 3 {
		return &MLSTransform{Alpha: alpha, Radius: radius, BBox: inflated, Controls: restricted}, nil
	}

	// Fall back to an affine fit over the nearest-available controls.
	center := orb.Point{(tile.Min[0] + tile.Max[0]) / 2, (tile.Min[1] + tile.Max[1]) / 2}
	nearest := nearestControls(allControls, center, 3)
	if len(nearest) < 3 {
		return nil, ErrNotEnoughDataPoints
	}
	aff, err := affineFromControls(nearest)
	if err != nil {
		return nil, err
	}
	return &MLSTransform{Alpha: alpha, Radius: radius, BBox: inflated, Fallback: aff}, nil
}

// Apply returns p with W set to the locally-fit affine transform's output,
// or the fallback affine's output when the transform has no restricted
// control set. A control point at exactly p.L is treated as an exact
// match, per spec.md §4.F, rather than raising its weight toward infinity.
func (m *MLSTransform) Apply(p Point) Point {
	if len(m.Controls) < 3 {
		if m.Fallback != nil {
			return m.Fallback.Apply(p)
		}
		return p
	}
	for _, c := range m.Controls {
		if c.L == p.L {
			p.W = c.W
			return p
		}
	}
	aff, err := affineFromControls(weightControlsByDistance(m.Controls, p.L, m.Alpha))
	if err != nil {
		if m.Fallback != nil {
			return m.Fallback.Apply(p)
		}
		return p
	}
	return aff.Apply(p)
}

// weightControlsByDistance returns a copy of controls with Weight replaced
// by weight_i(x) = original_weight_i / ||x - l_i||^(2*alpha).
func weightControlsByDistance(controls []ControlPoint, x [2]float64, alpha float64) []ControlPoint {
	out := make([]ControlPoint, len(controls))
	for i, c := range controls {
		d2 := squaredDist(x, c.L)
		out[i] = c
		out[i].Weight = c.Weight / math.Pow(d2, alpha)
	}
	return out
}

// affineFromControls fits an AffineModel treating each control's local
// coordinate as the fit input and its world coordinate as the fit target.
func affineFromControls(controls []ControlPoint) (*AffineModel, error) {
	pts1 := make([]Point, len(controls))
	pts2 := make([]Point, len(controls))
	matches := make([]PointMatch, len(controls))
	for i, c := range controls {
		pts1[i] = Point{L: c.L}
		pts2[i] = Point{L: c.W}
		matches[i] = PointMatch{P1: &pts1[i], P2: &pts2[i], Weight: c.Weight}
	}
	aff := &AffineModel{}
	if err := aff.Fit(matches); err != nil {
		return nil, err
	}
	return aff, nil
}

func squaredDist(a, b [2]float64) float64 {
	dx, dy := a[0]-b[0], a[1]-b[1]
	return dx*dx + dy*dy
}

// medianNearestNeighborDistance computes, for every control, the Euclidean
// distance to its nearest other control (via orb/planar.Distance, matching
// the teacher's planar-distance idiom), and returns the median of those
// distances.
func medianNearestNeighborDistance(controls []ControlPoint) float64 {
	if len(controls) < 2 {
		return 0
	}
	dists := make([]float64, len(controls))
	for i, c := range controls {
		best := math.Inf(1)
		pi := orb.Point{c.L[0], c.L[1]}
		for j, o := range controls {
			if i == j {
				continue
			}
			pj := orb.Point{o.L[0], o.L[1]}
			if d := planar.Distance(pi, pj); d < best {
				best = d
			}
		}
		dists[i] = best
	}
	sort.Float64s(dists)
	mid := len(dists) / 2
	if len(dists)%2 == 1 {
		return dists[mid]
	}
	return (dists[mid-1] + dists[mid]) / 2
}

// nearestControls returns the n controls (or all, if fewer) closest to
// center by local-coordinate distance, nearest first.
func nearestControls(controls []ControlPoint, center orb.Point, n int) []ControlPoint {
	type scored struct {
		c ControlPoint
		d float64
	}
	scoredList := make([]scored, len(controls))
	for i, c := range controls {
		scoredList[i] = scored{c, planar.Distance(center, orb.Point{c.L[0], c.L[1]})}
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].d < scoredList[j].d })
	if n > len(scoredList) {
		n = len(scoredList)
	}
	out := make([]ControlPoint, n)
	for i := 0; i < n; i++ {
		out[i] = scoredList[i].c
	}
	return out
}

// DataString serializes the transform to the compact format named in
// spec.md §4.F: alpha, radius, bbox, and the weighted control list. It is
// appended to a tile's transform chain, not folded into it, so the raw
// MLS fit is always recoverable for debugging.
func (m *MLSTransform) DataString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "alpha=%s;radius=%s;bbox=%s,%s,%s,%s",
		formatFloat(m.Alpha), formatFloat(m.Radius),
		formatFloat(m.BBox.Min[0]), formatFloat(m.BBox.Min[1]),
		formatFloat(m.BBox.Max[0]), formatFloat(m.BBox.Max[1]))
	if m.Fallback != nil {
		b.WriteString(";fallback=")
		for i, v := range m.Fallback.ToArray() {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(formatFloat(v))
		}
		return b.String()
	}
	b.WriteString(";controls=")
	for i, c := range m.Controls {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%s,%s,%s,%s,%s",
			formatFloat(c.L[0]), formatFloat(c.L[1]),
			formatFloat(c.W[0]), formatFloat(c.W[1]), formatFloat(c.Weight))
	}
	return b.String()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// ParseMLSDataString parses a string produced by DataString back into an
// MLSTransform.
func ParseMLSDataString(s string) (*MLSTransform, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("mls data string: malformed field %q", part)
		}
		fields[kv[0]] = kv[1]
	}

	alpha, err := strconv.ParseFloat(fields["alpha"], 64)
	if err != nil {
		return nil, fmt.Errorf("mls data string: alpha: %w", err)
	}
	radius, err := strconv.ParseFloat(fields["radius"], 64)
	if err != nil {
		return nil, fmt.Errorf("mls data string: radius: %w", err)
	}
	bboxParts := strings.Split(fields["bbox"], ",")
	if len(bboxParts) != 4 {
		return nil, fmt.Errorf("mls data string: bbox: expected 4 fields, got %d", len(bboxParts))
	}
	var bbox [4]float64
	for i, p := range bboxParts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("mls data string: bbox[%d]: %w", i, err)
		}
		bbox[i] = v
	}
	out := &MLSTransform{
		Alpha:  alpha,
		Radius: radius,
		BBox:   orb.Bound{Min: orb.Point{bbox[0], bbox[1]}, Max: orb.Point{bbox[2], bbox[3]}},
	}

	if raw, ok := fields["fallback"]; ok {
		parts := strings.Split(raw, ",")
		params := make([]float64, len(parts))
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("mls data string: fallback[%d]: %w", i, err)
			}
			params[i] = v
		}
		aff := &AffineModel{}
		if err := aff.FromArray(params); err != nil {
			return nil, fmt.Errorf("mls data string: fallback: %w", err)
		}
		out.Fallback = aff
		return out, nil
	}

	raw, ok := fields["controls"]
	if !ok || raw == "" {
		return nil, fmt.Errorf("mls data string: missing controls field")
	}
	for _, rec := range strings.Split(raw, "|") {
		parts := strings.Split(rec, ",")
		if len(parts) != 5 {
			return nil, fmt.Errorf("mls data string: control record: expected 5 fields, got %d", len(parts))
		}
		vals := make([]float64, 5)
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("mls data string: control[%d]: %w", i, err)
			}
			vals[i] = v
		}
		out.Controls = append(out.Controls, ControlPoint{
			L: [2]float64{vals[0], vals[1]}, W: [2]float64{vals[2], vals[3]}, Weight: vals[4],
		})
	}
	return out, nil
}
