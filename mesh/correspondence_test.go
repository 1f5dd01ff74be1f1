package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCorrespondenceIndexResolvesFromMap(t *testing.T) {
	p1 := NewPoint(0, 0)
	p2 := NewPoint(10, 10)
	specs := []CorrespondenceSpec{
		{URL1: "a.json", URL2: "b.json", Matches: []PointMatch{NewPointMatch(&p1, &p2, 1)}, ShouldConnect: true},
	}
	urlToLayer := map[string]int{"a.json": 0, "b.json": 1}

	idx, err := BuildCorrespondenceIndex(specs, urlToLayer, nil)
	require.NoError(t, err)

	rec, ok := idx.Get(0, 1)
	require.True(t, ok)
	assert.Equal(t, 0, rec.LayerA)
	assert.Equal(t, 1, rec.LayerB)
	assert.True(t, rec.ShouldConnect)
}

func TestBuildCorrespondenceIndexOrientsLowerFirst(t *testing.T) {
	p1 := NewPoint(0, 0)
	p2 := NewPoint(10, 10)
	specs := []CorrespondenceSpec{
		{URL1: "b.json", URL2: "a.json", Matches: []PointMatch{NewPointMatch(&p1, &p2, 1)}},
	}
	urlToLayer := map[string]int{"a.json": 0, "b.json": 1}

	idx, err := BuildCorrespondenceIndex(specs, urlToLayer, nil)
	require.NoError(t, err)

	rec, ok := idx.Get(0, 1)
	require.True(t, ok)
	assert.Equal(t, 0, rec.LayerA)
	assert.Equal(t, 1, rec.LayerB)
	// matches mirrored since the source record had a/b reversed
	assert.Same(t, &p2, rec.Matches[0].P1)
	assert.Same(t, &p1, rec.Matches[0].P2)
}

func TestBuildCorrespondenceIndexMissingLayerFallsBackToLoader(t *testing.T) {
	p1 := NewPoint(0, 0)
	p2 := NewPoint(1, 1)
	specs := []CorrespondenceSpec{
		{URL1: "a.json", URL2: "c.json", Matches: []PointMatch{NewPointMatch(&p1, &p2, 1)}},
	}
	idx, err := BuildCorrespondenceIndex(specs, map[string]int{"a.json": 0}, func(url string) (int, error) {
		assert.Equal(t, "c.json", url)
		return 2, nil
	})
	require.NoError(t, err)
	rec, ok := idx.Get(0, 2)
	require.True(t, ok)
	assert.Equal(t, 2, rec.LayerB)
}

func TestBuildCorrespondenceIndexMissingLayerNoLoaderErrors(t *testing.T) {
	p1 := NewPoint(0, 0)
	p2 := NewPoint(1, 1)
	specs := []CorrespondenceSpec{
		{URL1: "a.json", URL2: "unknown.json", Matches: []PointMatch{NewPointMatch(&p1, &p2, 1)}},
	}
	_, err := BuildCorrespondenceIndex(specs, map[string]int{"a.json": 0}, nil)
	assert.ErrorIs(t, err, ErrMissingLayer)
}

func TestCorrespondenceIndexRejectsDuplicatePair(t *testing.T) {
	idx := NewCorrespondenceIndex()
	rec := &CorrespondenceRecord{LayerA: 0, LayerB: 1}
	require.NoError(t, idx.Add(rec))
	err := idx.Add(&CorrespondenceRecord{LayerA: 0, LayerB: 1})
	assert.ErrorIs(t, err, ErrDuplicateCorrespondence)
}

func TestCorrespondenceIndexGetOtherOrientation(t *testing.T) {
	idx := NewCorrespondenceIndex()
	p1 := NewPoint(0, 0)
	p2 := NewPoint(1, 1)
	rec := &CorrespondenceRecord{LayerA: 0, LayerB: 1, Matches: []PointMatch{NewPointMatch(&p1, &p2, 1)}}
	require.NoError(t, idx.Add(rec))

	flipped, ok := idx.Get(1, 0)
	require.True(t, ok)
	assert.Equal(t, 1, flipped.LayerA)
	assert.Equal(t, 0, flipped.LayerB)
	assert.Same(t, &p2, flipped.Matches[0].P1)
}

func TestWithin2UlpToleratesExactAndRejectsFar(t *testing.T) {
	assert.True(t, within2Ulp(10.0, 10.0))
	assert.False(t, within2Ulp(10.0, 10.001))
}

func TestFixUpSnapsMatchAndOverwritesWorld(t *testing.T) {
	m, err := NewSpringMesh(4, 100, 100, 0.1, 2000, 0.9)
	require.NoError(t, err)
	target := m.ActiveVertices()[3]

	p1 := &Point{L: target.L, W: [2]float64{target.W[0] + 5, target.W[1] + 5}}
	p2 := &Point{L: [2]float64{0, 0}, W: [2]float64{0, 0}}
	rec := &CorrespondenceRecord{LayerA: 0, LayerB: 1, Matches: []PointMatch{NewPointMatch(p1, p2, 1)}}

	idx := NewCorrespondenceIndex()
	require.NoError(t, idx.Add(rec))

	meshes := map[int]*SpringMesh{0: m}
	pool := NewPool(2, context.Background())
	dropped, err := FixUp(idx, meshes, []int{0}, pool)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	assert.Same(t, &target.Point, rec.Matches[0].P1)
	assert.Equal(t, p1.W, target.W)
}

func TestFixUpDropsOutOfMeshMatch(t *testing.T) {
	m, err := NewSpringMesh(4, 100, 100, 0.1, 2000, 0.9)
	require.NoError(t, err)

	p1 := &Point{L: [2]float64{99999, 99999}}
	p2 := &Point{L: [2]float64{0, 0}}
	rec := &CorrespondenceRecord{LayerA: 0, LayerB: 1, Matches: []PointMatch{NewPointMatch(p1, p2, 1)}}

	idx := NewCorrespondenceIndex()
	require.NoError(t, idx.Add(rec))

	meshes := map[int]*SpringMesh{0: m}
	pool := NewPool(2, context.Background())
	dropped, err := FixUp(idx, meshes, []int{0}, pool)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
}
