package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSpringMeshRejectsBadParams(t *testing.T) {
	_, err := NewSpringMesh(0, 100, 100, 0.1, 2000, 0.9)
	assert.Error(t, err)
	_, err = NewSpringMesh(4, 100, 100, 0.1, 2000, 1.5)
	assert.Error(t, err)
}

func TestSpringMeshBuildLatticeHasVertices(t *testing.T) {
	m, err := NewSpringMesh(4, 100, 100, 0.1, 2000, 0.9)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ActiveVertices())
	assert.NotEmpty(t, m.triangles)
}

func TestSpringMeshApplyInPlaceInterior(t *testing.T) {
	m, err := NewSpringMesh(8, 100, 100, 0.1, 2000, 0.9)
	require.NoError(t, err)
	p := &Point{L: [2]float64{50, 50}}
	m.ApplyInPlace(p)
	// Identity lattice: world should equal local before any relaxation.
	assert.InDelta(t, p.L[0], p.W[0], 1e-6)
	assert.InDelta(t, p.L[1], p.W[1], 1e-6)
}

func TestSpringMeshApplyInPlaceOutsideHullSnaps(t *testing.T) {
	m, err := NewSpringMesh(4, 100, 100, 0.1, 2000, 0.9)
	require.NoError(t, err)
	p := &Point{L: [2]float64{-1000, -1000}}
	m.ApplyInPlace(p)
	// Should not panic and should produce a finite, bounded result near
	// the mesh's own extent rather than reflecting the huge input offset.
	assert.Less(t, p.W[0], 1000.0)
	assert.Greater(t, p.W[0], -1000.0)
}

func TestSpringMeshAddPassiveVertexTracksVA(t *testing.T) {
	m, err := NewSpringMesh(4, 100, 100, 0.1, 2000, 0.9)
	require.NoError(t, err)
	owner := m.ActiveVertices()[0]
	match := &PointMatch{P1: &owner.Point, Weight: 1}
	pv := NewVertex(10, 10)
	m.AddPassiveVertex(pv, owner, match)

	va := m.VA()
	targets, ok := va[match]
	require.True(t, ok)
	assert.Len(t, targets, 1)
	assert.Same(t, pv, targets[0])
	assert.Contains(t, m.PassiveVertices(), pv)
}

func TestSpringMeshVertexNearFindsLatticePoint(t *testing.T) {
	m, err := NewSpringMesh(4, 100, 100, 0.1, 2000, 0.9)
	require.NoError(t, err)
	target := m.ActiveVertices()[5]
	found := m.VertexNear(target.L, 1e-6)
	require.NotNil(t, found)
	assert.Same(t, target, found)
}

func TestSpringMeshVertexNearMisses(t *testing.T) {
	m, err := NewSpringMesh(4, 100, 100, 0.1, 2000, 0.9)
	require.NoError(t, err)
	found := m.VertexNear([2]float64{12345, 6789}, 1e-6)
	assert.Nil(t, found)
}

func TestSpringMeshBoundsNonEmpty(t *testing.T) {
	m, err := NewSpringMesh(4, 100, 100, 0.1, 2000, 0.9)
	require.NoError(t, err)
	b := m.Bounds()
	assert.False(t, b.IsEmpty())
}

func TestOptimizeMeshesConverges(t *testing.T) {
	m, err := NewSpringMesh(3, 50, 50, 0.2, 2000, 0.5)
	require.NoError(t, err)
	owner := m.ActiveVertices()[0]
	match := &PointMatch{P1: &owner.Point, Weight: 1}
	pv := NewVertex(owner.L[0]+5, owner.L[1])
	pv.W = [2]float64{owner.L[0] + 5, owner.L[1]}
	m.AddPassiveVertex(pv, owner, match)

	pool := NewPool(2, context.Background())
	err = OptimizeMeshes([]*SpringMesh{m}, 1e-6, 500, 10, pool)
	require.NoError(t, err)
}

func TestOptimizeMeshesLegacyCompletesWithoutError(t *testing.T) {
	m, err := NewSpringMesh(3, 50, 50, 0.2, 2000, 0.5)
	require.NoError(t, err)
	pool := NewPool(2, context.Background())
	err = OptimizeMeshesLegacy([]*SpringMesh{m}, 1e-6, 20, pool)
	require.NoError(t, err)
}

func TestUnscaleIsInvolution(t *testing.T) {
	m, err := NewSpringMesh(3, 20, 20, 0.1, 2000, 0.9)
	require.NoError(t, err)
	before := make([][2]float64, len(m.ActiveVertices()))
	for i, v := range m.ActiveVertices() {
		before[i] = v.W
	}
	origin := [2]float64{100, 200}
	scale := 0.1
	m.Unscale(scale, origin)
	m.Scale(scale, origin)
	for i, v := range m.ActiveVertices() {
		assert.InDelta(t, before[i][0], v.W[0], 1e-6)
		assert.InDelta(t, before[i][1], v.W[1], 1e-6)
	}
}

func TestPlateauRingSlope(t *testing.T) {
	r := newPlateauRing(3)
	assert.False(t, r.full())
	r.push(10)
	r.push(8)
	r.push(6)
	assert.True(t, r.full())
	assert.Less(t, r.slope(), 0.0)
}

func TestPairwiseSumMatchesNaiveSum(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7}
	assert.InDelta(t, 28.0, pairwiseSum(values), 1e-9)
}
