// Package mesh implements the elastic multi-layer tile alignment engine:
// per-layer deformable spring meshes wired together by inter-layer point
// correspondences, a two-stage rigid-then-elastic solve, and per-tile
// moving-least-squares transform emission.
package mesh

import (
	"errors"
	"math"
)

// Sentinel errors for the solver's documented failure modes. Wrap with
// fmt.Errorf("...: %w", ...) at the call site to attach layer/tile context.
var (
	ErrNotEnoughDataPoints     = errors.New("not enough data points for model fit")
	ErrNonInvertibleModel      = errors.New("model is not invertible")
	ErrMeshCollapse            = errors.New("mesh geometry collapsed")
	ErrMissingLayer            = errors.New("could not resolve layer for tile-spec url")
	ErrDuplicateCorrespondence = errors.New("duplicate correspondence record for layer pair")
	ErrCanceled                = errors.New("optimization canceled")
)

// Point is a pair of 2-vectors: L is the local (pre-transform) position, W
// is the world (post-transform) position. Applying a transform to a point
// overwrites W from L; L is never mutated by Apply.
type Point struct {
	L [2]float64
	W [2]float64
}

// NewPoint returns a Point with L and W both set to the given local
// coordinates (the point has not yet been transformed).
func NewPoint(lx, ly float64) Point {
	return Point{L: [2]float64{lx, ly}, W: [2]float64{lx, ly}}
}

// edge is one adjacency of a Vertex: the neighboring vertex and the spring
// connecting them.
type edge struct {
	to     *Vertex
	spring Spring
}

// Vertex is a Point that participates in a spring mesh: it owns an
// adjacency list of (neighbor, spring) edges and a force field (relaxation
// itself accumulates forces in SpringMesh.update's own per-vertex buffer,
// not in this field). Two vertices are "the same" iff they are the identical
// object — structural equality of coordinates is never sufficient, because
// distinct lattice points can legitimately share a coincident position.
type Vertex struct {
	Point
	edges []edge
	force [2]float64
}

// NewVertex returns a Vertex at the given local coordinates with no edges.
func NewVertex(lx, ly float64) *Vertex {
	return &Vertex{Point: NewPoint(lx, ly)}
}

// connect installs a symmetric spring edge between two vertices. Callers
// are responsible for not installing the same edge twice (the lattice
// builder in springmesh.go only ever calls this once per undirected edge).
func connect(a, b *Vertex, s Spring) {
	a.edges = append(a.edges, edge{to: b, spring: s})
	b.edges = append(b.edges, edge{to: a, spring: s})
}

// Spring holds the parameters of a Hookean spring between two vertices:
// its rest length, stiffness constant, and the maximum stretch ratio before
// its force contribution is clipped.
type Spring struct {
	RestLength float64
	Constant   float64
	MaxStretch float64
}

// NewSpring returns a Spring with the given rest length, stiffness, and max
// stretch.
func NewSpring(restLength, constant, maxStretch float64) Spring {
	return Spring{RestLength: restLength, Constant: constant, MaxStretch: maxStretch}
}

// forceAlong computes this spring's force vector given the current world
// positions of its two endpoints, directed from `from` toward `to`,
// proportional to Constant*(currentLength-RestLength) and clipped so the
// displacement implied never exceeds MaxStretch*RestLength (or MaxStretch
// itself when RestLength is zero, as for inter-layer springs).
func (s Spring) forceAlong(from, to [2]float64) [2]float64 {
	dx := to[0] - from[0]
	dy := to[1] - from[1]
	length := hypot(dx, dy)
	if length == 0 {
		return [2]float64{0, 0}
	}
	stretch := length - s.RestLength
	limit := s.MaxStretch
	if s.RestLength > 0 {
		limit = s.MaxStretch * s.RestLength
	}
	if stretch > limit {
		stretch = limit
	} else if stretch < -limit {
		stretch = -limit
	}
	mag := s.Constant * stretch
	return [2]float64{mag * dx / length, mag * dy / length}
}

// PointMatch is a pair of points asserted to refer to the same physical
// location, with a non-negative weight. P1 and P2 point at shared Point
// storage (a mesh vertex's embedded Point, or a freestanding Point loaded
// from a correspondence file) so that mutating the underlying vertex is
// visible through every PointMatch that references it.
type PointMatch struct {
	P1, P2 *Point
	Weight float64
}

// NewPointMatch returns a PointMatch between p1 and p2 with the given
// weight. weight must be >= 0; callers that load weights from external
// files should clamp negative values before constructing a PointMatch.
func NewPointMatch(p1, p2 *Point, weight float64) PointMatch {
	return PointMatch{P1: p1, P2: p2, Weight: weight}
}

func hypot(dx, dy float64) float64 {
	return math.Sqrt(dx*dx + dy*dy)
}
