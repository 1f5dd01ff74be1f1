package mesh

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// triangle indexes three active-mesh vertices forming one face of the
// lattice triangulation, used for barycentric point evaluation.
type triangle struct {
	a, b, c *Vertex
}

// SpringMesh is a regular triangulated lattice of active vertices covering
// a width x height rectangle in mesh (scaled) coordinates, plus any passive
// vertices attached from outside. It is created once per layer and mutated
// only during optimization.
type SpringMesh struct {
	Resolution int
	Width      float64
	Height     float64
	Stiffness  float64
	MaxStretch float64
	Damp       float64

	activeVertices  []*Vertex
	triangles       []triangle
	passiveVertices []*Vertex
	// pva maps each active-vertex match (matches[i].P1 is an active
	// vertex) to the passive vertices it carries during relaxation. This
	// is the same structure spec.md §4.B calls VA. The key is the match
	// object itself (by identity), matching spec.md's VA.keys() contract;
	// pvaByOwner below is a runtime index over the same data keyed by the
	// owning vertex, which is what the force-accumulation loop actually
	// walks.
	pva        map[*PointMatch][]*Vertex
	pvaByOwner map[*Vertex][]*Vertex
	// pvTriangle records, for each passive vertex (by index into
	// passiveVertices), the enclosing triangle and its barycentric
	// coordinates at attach time.
	pvTriangle []triangle
	pvBary     [][3]float64

	// crossLinks pulls one of this mesh's own active vertices toward a
	// vertex living in another layer's mesh (the inter-layer constraint
	// the aligner's wiring step installs). Resolved sequentially, after
	// every mesh's intra-mesh update() pass has returned, so a cross
	// link's read of another mesh's vertex never races that mesh's own
	// concurrent update.
	crossLinks []crossLink
}

// crossLink is one inter-layer spring: owner belongs to this mesh, target
// belongs to a neighboring layer's mesh.
type crossLink struct {
	owner  *Vertex
	target *Vertex
	spring Spring
}

// NewSpringMesh builds the equilateral-triangular lattice covering
// width x height at the given resolution, with uniform spring stiffness,
// max stretch, and damping. Damp must be in (0, 1].
func NewSpringMesh(resolution int, width, height, stiffness, maxStretch, damp float64) (*SpringMesh, error) {
	if resolution < 1 {
		return nil, fmt.Errorf("spring mesh: resolution must be >= 1, got %d", resolution)
	}
	if damp <= 0 || damp > 1 {
		return nil, fmt.Errorf("spring mesh: damp must be in (0,1], got %g", damp)
	}
	m := &SpringMesh{
		Resolution: resolution,
		Width:      width,
		Height:     height,
		Stiffness:  stiffness,
		MaxStretch: maxStretch,
		Damp:       damp,
		pva:        make(map[*PointMatch][]*Vertex),
		pvaByOwner: make(map[*Vertex][]*Vertex),
	}
	m.buildLattice()
	return m, nil
}

// buildLattice places vertices on an equilateral triangular lattice of the
// requested resolution, connects the three lattice-direction springs, and
// records the triangulation used by Apply's barycentric lookup.
func (m *SpringMesh) buildLattice() {
	rowSpacing := m.Height / float64(m.Resolution)
	// Equilateral triangles: horizontal spacing derives from the vertical
	// spacing so every edge has the same rest length.
	colSpacing := rowSpacing * 2 / math.Sqrt(3)
	rows := m.Resolution + 1
	cols := int(math.Ceil(m.Width/colSpacing)) + 1

	grid := make([][]*Vertex, rows)
	for r := 0; r < rows; r++ {
		grid[r] = make([]*Vertex, cols)
		yOff := 0.0
		if r%2 == 1 {
			yOff = colSpacing / 2
		}
		for c := 0; c < cols; c++ {
			x := float64(c)*colSpacing + yOff
			y := float64(r) * rowSpacing
			grid[r][c] = NewVertex(x, y)
		}
	}

	spacing := colSpacing
	spring := NewSpring(spacing, m.Stiffness, m.MaxStretch)
	diagSpring := NewSpring(hypot(colSpacing/2, rowSpacing), m.Stiffness, m.MaxStretch)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := grid[r][c]
			if c+1 < cols {
				connect(v, grid[r][c+1], spring)
			}
			if r+1 < rows {
				connect(v, grid[r+1][c], diagSpring)
				if r%2 == 0 {
					if c > 0 {
						connect(v, grid[r+1][c-1], diagSpring)
					}
				} else if c+1 < cols {
					connect(v, grid[r+1][c+1], diagSpring)
				}
			}
			m.activeVertices = append(m.activeVertices, v)
		}
	}

	for r := 0; r+1 < rows; r++ {
		for c := 0; c < cols; c++ {
			if r%2 == 0 {
				if c+1 < cols {
					m.triangles = append(m.triangles, triangle{grid[r][c], grid[r][c+1], grid[r+1][c]})
				}
				if c > 0 {
					m.triangles = append(m.triangles, triangle{grid[r][c], grid[r+1][c-1], grid[r+1][c]})
				}
			} else {
				if c+1 < cols {
					m.triangles = append(m.triangles, triangle{grid[r][c], grid[r][c+1], grid[r+1][c+1]})
					m.triangles = append(m.triangles, triangle{grid[r][c], grid[r+1][c], grid[r+1][c+1]})
				}
			}
		}
	}
}

// ActiveVertices returns the lattice vertices, in construction order.
func (m *SpringMesh) ActiveVertices() []*Vertex { return m.activeVertices }

// AddTrackedPoint attaches v to the mesh purely for position tracking: v's
// world coordinate is re-interpolated from the mesh's (possibly deforming)
// triangulation on every relaxation step, the same way a passive vertex is,
// but v contributes no force of its own within this mesh — it exists so
// that another mesh's cross-layer spring (AddCrossLink) can read its
// continuously up-to-date position.
func (m *SpringMesh) AddTrackedPoint(v *Vertex) {
	tri, bary := m.locate(v.L)
	m.passiveVertices = append(m.passiveVertices, v)
	m.pvTriangle = append(m.pvTriangle, tri)
	m.pvBary = append(m.pvBary, bary)
}

// AddPassiveVertex attaches v to the mesh: v contributes no intra-mesh
// force but is carried by the enclosing triangle's deformation during
// relaxation. If v's local position lies outside the lattice's convex
// hull, it is snapped to the nearest boundary triangle per spec.md §4.B.
//
// owner is the active vertex the attaching spring pulls v toward, and
// match is the PointMatch whose P1 is that active vertex. The aligner's
// inter-layer wiring does not call this; it uses AddTrackedPoint and
// AddCrossLink instead.
func (m *SpringMesh) AddPassiveVertex(v *Vertex, owner *Vertex, match *PointMatch) {
	m.AddTrackedPoint(v)
	m.pva[match] = append(m.pva[match], v)
	m.pvaByOwner[owner] = append(m.pvaByOwner[owner], v)
}

// PassiveVertices returns every passive vertex ever attached to the mesh,
// in attach order.
func (m *SpringMesh) PassiveVertices() []*Vertex { return m.passiveVertices }

// VA returns the mapping from each active-vertex match to the passive
// vertices it carries. Its key set is exactly the set of active-vertex
// matches ever installed via AddPassiveVertex.
func (m *SpringMesh) VA() map[*PointMatch][]*Vertex { return m.pva }

// AddCrossLink installs a spring pulling owner (which must be one of m's
// own active vertices) toward target, a vertex belonging to another
// layer's mesh. Used by the aligner's inter-layer wiring step (spec.md
// §4.E step 4) to implement the k_ab = 1/(b-a) long-range constraints
// between neighboring layers' meshes.
func (m *SpringMesh) AddCrossLink(owner, target *Vertex, spring Spring) {
	m.crossLinks = append(m.crossLinks, crossLink{owner: owner, target: target, spring: spring})
}

// applyCrossLinks resolves every cross-layer spring installed via
// AddCrossLink, nudging each owner toward its target by one damped force
// step, and reports the largest resulting displacement. Must be called
// only after every mesh's own update() has returned for the current
// iteration (see OptimizeMeshes), since it reads other meshes' vertex
// positions.
func (m *SpringMesh) applyCrossLinks(damp float64) float64 {
	var maxD float64
	for _, cl := range m.crossLinks {
		f := cl.spring.forceAlong(cl.owner.W, cl.target.W)
		dx, dy := damp*f[0], damp*f[1]
		cl.owner.W[0] += dx
		cl.owner.W[1] += dy
		if d := hypot(dx, dy); d > maxD {
			maxD = d
		}
	}
	return maxD
}

// ApplyInPlace warps p by barycentric interpolation over the triangle
// containing p.L, writing the result into p.W. Points outside the convex
// hull are snapped to the nearest boundary triangle.
func (m *SpringMesh) ApplyInPlace(p *Point) {
	tri, bary := m.locate(p.L)
	p.W = interpolate(tri, bary)
}

// locate finds the triangle containing local point l (or the nearest
// boundary triangle if l is outside the convex hull) and its barycentric
// coordinates within that triangle.
func (m *SpringMesh) locate(l [2]float64) (triangle, [3]float64) {
	var best triangle
	bestBary := [3]float64{1, 0, 0}
	bestDist := math.Inf(1)
	found := false
	for _, tri := range m.triangles {
		bary, inside := barycentric(tri, l)
		if inside {
			return tri, bary
		}
		d := clampedDistance(bary)
		if d < bestDist {
			bestDist = d
			best = tri
			bestBary = clampBary(bary)
			found = true
		}
	}
	if !found && len(m.triangles) > 0 {
		best = m.triangles[0]
		bestBary = [3]float64{1, 0, 0}
	}
	return best, bestBary
}

func barycentric(tri triangle, p [2]float64) ([3]float64, bool) {
	ax, ay := tri.a.L[0], tri.a.L[1]
	bx, by := tri.b.L[0], tri.b.L[1]
	cx, cy := tri.c.L[0], tri.c.L[1]
	d := (by-cy)*(ax-cx) + (cx-bx)*(ay-cy)
	if d == 0 {
		return [3]float64{}, false
	}
	u := ((by-cy)*(p[0]-cx) + (cx-bx)*(p[1]-cy)) / d
	v := ((cy-ay)*(p[0]-cx) + (ax-cx)*(p[1]-cy)) / d
	w := 1 - u - v
	const eps = 1e-9
	inside := u >= -eps && v >= -eps && w >= -eps
	return [3]float64{u, v, w}, inside
}

func clampBary(b [3]float64) [3]float64 {
	for i := range b {
		if b[i] < 0 {
			b[i] = 0
		}
	}
	sum := b[0] + b[1] + b[2]
	if sum == 0 {
		return [3]float64{1, 0, 0}
	}
	return [3]float64{b[0] / sum, b[1] / sum, b[2] / sum}
}

func clampedDistance(b [3]float64) float64 {
	var d float64
	for _, v := range b {
		if v < 0 {
			d += v * v
		}
	}
	return d
}

func interpolate(tri triangle, bary [3]float64) [2]float64 {
	return [2]float64{
		bary[0]*tri.a.W[0] + bary[1]*tri.b.W[0] + bary[2]*tri.c.W[0],
		bary[0]*tri.a.W[1] + bary[1]*tri.b.W[1] + bary[2]*tri.c.W[1],
	}
}

// VertexNear returns the active lattice vertex whose local coordinates are
// within the given per-component tolerance of l, or nil if none qualifies.
// Used by the aligner's inter-layer wiring (wireLayerPair in aligner.go);
// correspondence fix-up snaps points with snapVertex instead.
func (m *SpringMesh) VertexNear(l [2]float64, tol float64) *Vertex {
	for _, v := range m.activeVertices {
		if math.Abs(v.L[0]-l[0]) <= tol && math.Abs(v.L[1]-l[1]) <= tol {
			return v
		}
	}
	return nil
}

// Bounds returns the current world-space axis-aligned bounding box of the
// mesh's active vertices, using orb.Bound for the union accumulation (the
// same planar-geometry primitive the teacher reaches for in
// geojson_merge.go).
func (m *SpringMesh) Bounds() orb.Bound {
	if len(m.activeVertices) == 0 {
		return orb.Bound{}
	}
	b := orb.Bound{Min: orb.Point{m.activeVertices[0].W[0], m.activeVertices[0].W[1]}, Max: orb.Point{m.activeVertices[0].W[0], m.activeVertices[0].W[1]}}
	for _, v := range m.activeVertices[1:] {
		b = b.Extend(orb.Point{v.W[0], v.W[1]})
	}
	return b
}

// update performs one relaxation iteration: sum spring and passive-match
// forces on every active vertex, integrate, then report the maximum
// per-vertex displacement and the mean spring energy.
func (m *SpringMesh) update(damp float64) (maxDelta, meanEnergy float64) {
	type accum struct {
		fx, fy float64
		n      int
	}
	accums := make([]accum, len(m.activeVertices))
	index := make(map[*Vertex]int, len(m.activeVertices))
	for i, v := range m.activeVertices {
		index[v] = i
	}

	var energySum float64
	for i, v := range m.activeVertices {
		for _, e := range v.edges {
			f := e.spring.forceAlong(v.W, e.to.W)
			accums[i].fx += f[0]
			accums[i].fy += f[1]
			accums[i].n++
			dx := e.to.W[0] - v.W[0]
			dy := e.to.W[1] - v.W[1]
			stretch := hypot(dx, dy) - e.spring.RestLength
			energySum += 0.5 * e.spring.Constant * stretch * stretch
		}
	}

	for owner, passives := range m.pvaByOwner {
		ownerIdx, ok := index[owner]
		if !ok {
			continue
		}
		for _, pv := range passives {
			spring := NewSpring(0, m.Stiffness, m.MaxStretch)
			f := spring.forceAlong(owner.W, pv.W)
			accums[ownerIdx].fx += f[0]
			accums[ownerIdx].fy += f[1]
			accums[ownerIdx].n++
		}
	}

	var maxD float64
	for i, v := range m.activeVertices {
		if accums[i].n == 0 {
			continue
		}
		dx := damp * accums[i].fx / float64(accums[i].n)
		dy := damp * accums[i].fy / float64(accums[i].n)
		v.W[0] += dx
		v.W[1] += dy
		d := hypot(dx, dy)
		if d > maxD {
			maxD = d
		}
	}

	m.updatePassivePositions()

	meanEnergy = 0
	if len(m.activeVertices) > 0 {
		meanEnergy = energySum / float64(len(m.activeVertices))
	}
	return maxD, meanEnergy
}

// updatePassivePositions re-interpolates every passive vertex's world
// position from its enclosing triangle's (possibly just-moved) vertices.
func (m *SpringMesh) updatePassivePositions() {
	for i, pv := range m.passiveVertices {
		pv.W = interpolate(m.pvTriangle[i], m.pvBary[i])
	}
}

// geometryCollapsed reports whether any triangle in the mesh has degenerated
// (near-zero area), the condition optimize_meshes treats as a fatal
// mesh-collapse per spec.md §4.B.
func (m *SpringMesh) geometryCollapsed() bool {
	for _, tri := range m.triangles {
		area := math.Abs((tri.b.W[0]-tri.a.W[0])*(tri.c.W[1]-tri.a.W[1]) - (tri.c.W[0]-tri.a.W[0])*(tri.b.W[1]-tri.a.W[1]))
		if area < 1e-12 {
			return true
		}
	}
	return false
}

// PreWarp seeds the mesh near the rigid/affine pre-alignment solution by
// applying model to every active vertex's local coordinates, overwriting
// their world positions; passive vertices are then re-interpolated from
// their enclosing triangles. Called once, after pre-align and
// before relaxation, per spec.md §4.E step 5.
func (m *SpringMesh) PreWarp(model Model) {
	for _, v := range m.activeVertices {
		applied := model.Apply(Point{L: v.L})
		v.W = applied.W
	}
	m.updatePassivePositions()
}

// Unscale translates every active and passive vertex's local and world
// position by dividing by scale and adding origin, per spec.md §4.E step 7.
// It is an involution with Scale given the same scale/origin.
func (m *SpringMesh) Unscale(scale float64, origin [2]float64) {
	for _, v := range m.activeVertices {
		v.L[0] = v.L[0]/scale + origin[0]
		v.L[1] = v.L[1]/scale + origin[1]
		v.W[0] = v.W[0]/scale + origin[0]
		v.W[1] = v.W[1]/scale + origin[1]
	}
	for _, v := range m.passiveVertices {
		v.L[0] = v.L[0]/scale + origin[0]
		v.L[1] = v.L[1]/scale + origin[1]
		v.W[0] = v.W[0]/scale + origin[0]
		v.W[1] = v.W[1]/scale + origin[1]
	}
}

// Scale is the inverse of Unscale: it subtracts origin and multiplies by
// scale. Used only by round-trip tests verifying the unscale involution
// property from spec.md §8.
func (m *SpringMesh) Scale(scale float64, origin [2]float64) {
	for _, v := range m.activeVertices {
		v.L[0] = (v.L[0] - origin[0]) * scale
		v.L[1] = (v.L[1] - origin[1]) * scale
		v.W[0] = (v.W[0] - origin[0]) * scale
		v.W[1] = (v.W[1] - origin[1]) * scale
	}
	for _, v := range m.passiveVertices {
		v.L[0] = (v.L[0] - origin[0]) * scale
		v.L[1] = (v.L[1] - origin[1]) * scale
		v.W[0] = (v.W[0] - origin[0]) * scale
		v.W[1] = (v.W[1] - origin[1]) * scale
	}
}

// plateauRing is a fixed-width ring buffer tracking recent mean-energy
// samples, used by optimize_meshes to detect a zero-or-negative slope
// plateau once it has filled.
type plateauRing struct {
	width  int
	values []float64
}

func newPlateauRing(width int) *plateauRing {
	return &plateauRing{width: width}
}

func (r *plateauRing) push(v float64) {
	r.values = append(r.values, v)
	if len(r.values) > r.width {
		r.values = r.values[1:]
	}
}

func (r *plateauRing) full() bool { return len(r.values) >= r.width }

// slope returns the least-squares slope of the ring's contents against
// iteration index.
func (r *plateauRing) slope() float64 {
	n := len(r.values)
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, v := range r.values {
		x := float64(i)
		sx += x
		sy += v
		sxy += x * v
		sxx += x * x
	}
	fn := float64(n)
	denom := fn*sxx - sx*sx
	if denom == 0 {
		return 0
	}
	return (fn*sxy - sx*sy) / denom
}

// OptimizeMeshes relaxes every mesh in parallel until either the largest
// per-vertex displacement across all meshes drops below maxEpsilon, or the
// mean-energy plateau ring (width maxPlateauWidth) has filled and its slope
// is <= 0, whichever comes first; maxIters is a hard cap either way.
// Returns ErrMeshCollapse, wrapped with the offending mesh's index in
// meshes (its position in the slice, not its layer number), if any mesh's
// triangulation degenerates.
func OptimizeMeshes(meshes []*SpringMesh, maxEpsilon float64, maxIters int, maxPlateauWidth int, pool *Pool) error {
	ring := newPlateauRing(maxPlateauWidth)
	for iter := 0; iter < maxIters; iter++ {
		maxDeltas := make([]float64, len(meshes))
		energies := make([]float64, len(meshes))
		err := pool.ForEachIndex(len(meshes), func(i int) error {
			d, e := meshes[i].update(meshes[i].Damp)
			maxDeltas[i] = d
			energies[i] = e
			if meshes[i].geometryCollapsed() {
				return fmt.Errorf("%w: mesh index %d", ErrMeshCollapse, i)
			}
			return nil
		})
		if err != nil {
			return err
		}

		maxDelta := pairwiseMax(maxDeltas)
		for _, mesh := range meshes {
			if d := mesh.applyCrossLinks(mesh.Damp); d > maxDelta {
				maxDelta = d
			}
		}

		meanEnergy := pairwiseSum(energies) / float64(len(energies))
		ring.push(meanEnergy)

		if maxDelta < maxEpsilon {
			return nil
		}
		if ring.full() && ring.slope() <= 0 {
			return nil
		}
	}
	return nil
}

// OptimizeMeshesLegacy is the legacy fixed-iteration variant: it runs up
// to maxIters updates, with early exit only on the max-delta threshold,
// never on plateau detection. Kept for bit-compatible
// reproduction of historical runs per spec.md §4.B.
func OptimizeMeshesLegacy(meshes []*SpringMesh, maxEpsilon float64, maxIters int, pool *Pool) error {
	for iter := 0; iter < maxIters; iter++ {
		maxDeltas := make([]float64, len(meshes))
		err := pool.ForEachIndex(len(meshes), func(i int) error {
			d, _ := meshes[i].update(meshes[i].Damp)
			maxDeltas[i] = d
			if meshes[i].geometryCollapsed() {
				return fmt.Errorf("%w: mesh index %d", ErrMeshCollapse, i)
			}
			return nil
		})
		if err != nil {
			return err
		}
		maxDelta := pairwiseMax(maxDeltas)
		for _, mesh := range meshes {
			if d := mesh.applyCrossLinks(mesh.Damp); d > maxDelta {
				maxDelta = d
			}
		}
		if maxDelta < maxEpsilon {
			return nil
		}
	}
	return nil
}

// pairwiseSum sums values using pairwise (tree) reduction so the result is
// independent of goroutine completion order, preserving spec.md §8's
// determinism property under parallel execution.
func pairwiseSum(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) == 1 {
		return values[0]
	}
	mid := len(values) / 2
	return pairwiseSum(values[:mid]) + pairwiseSum(values[mid:])
}

// pairwiseMax finds the maximum with a linear scan in slice order; unlike a
// sum, the maximum does not depend on traversal order.
func pairwiseMax(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	best := values[0]
	for _, v := range values[1:] {
		if v > best {
			best = v
		}
	}
	return best
}

// sortedLayerKeys returns the keys of a map[int]*SpringMesh in ascending
// order, for a deterministic traversal order over layers.
func sortedLayerKeys(m map[int]*SpringMesh) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
