package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoLayerAlignInput() *AlignInput {
	cfg := DefaultConfig()
	cfg.ImageWidth = 100
	cfg.ImageHeight = 100
	cfg.LayerScale = 1.0
	cfg.ResolutionSpringMesh = 2
	cfg.ModelIndex = int(KindRigid)
	cfg.FixedLayers = []int{0}
	cfg.MaxLayersDistance = 1
	cfg.MaxIterationsSpringMesh = 5
	cfg.MaxPlateauwidthSpringMesh = 2
	cfg.MaxEpsilon = 50
	cfg.Threads = 2

	tileSpecs := map[int][]TileSpecRecord{
		0: {{TileID: "t0", Layer: 0, BBox: [4]float64{0, 0, 100, 100}, Width: 100, Height: 100}},
		1: {{TileID: "t1", Layer: 1, BBox: [4]float64{0, 0, 100, 100}, Width: 100, Height: 100}},
	}

	// The first match sits exactly on mesh0's (0,0) lattice vertex so
	// fix-up and wiring have something to bind; the other two just pad the
	// tile-configuration solver past its minimum-match threshold and need
	// not land on a lattice vertex themselves.
	p1a, p2a := NewPoint(0, 0), NewPoint(0, 0)
	p1b, p2b := NewPoint(10, 10), NewPoint(11, 11)
	p1c, p2c := NewPoint(20, 5), NewPoint(21, 6)
	specs := []CorrespondenceSpec{
		{
			URL1: "tile0.json", URL2: "tile1.json",
			ShouldConnect: true,
			Matches: []PointMatch{
				NewPointMatch(&p1a, &p2a, 1),
				NewPointMatch(&p1b, &p2b, 1),
				NewPointMatch(&p1c, &p2c, 1),
			},
		},
	}

	return &AlignInput{
		Config:       &cfg,
		TileSpecs:    tileSpecs,
		URLToLayer:   map[string]int{"tile0.json": 0, "tile1.json": 1},
		Specs:        specs,
		SceneOriginX: 0,
		SceneOriginY: 0,
	}
}

func TestAlignProducesMLSTransformForEveryActiveLayer(t *testing.T) {
	in := twoLayerAlignInput()
	result, err := Align(context.Background(), in)
	require.NoError(t, err)

	require.Contains(t, result.TileSpecs, 0)
	require.Contains(t, result.TileSpecs, 1)

	for layer, recs := range result.TileSpecs {
		require.Lenf(t, recs, 1, "layer %d", layer)
		rec := recs[0]
		require.NotEmpty(t, rec.Transforms)
		last := rec.Transforms[len(rec.Transforms)-1]
		assert.Equal(t, mlsClassName, last.ClassName)
		assert.NotEmpty(t, last.DataString)
		assert.True(t, rec.BBox[2] > rec.BBox[0])
		assert.True(t, rec.BBox[3] > rec.BBox[1])
	}
}

func TestAlignReportsLayerOutcomeAndDroppedCounter(t *testing.T) {
	in := twoLayerAlignInput()
	report := NewRunReport()
	in.Report = report

	_, err := Align(context.Background(), in)
	require.NoError(t, err)

	assert.Contains(t, report.LayerOutcomes, 1)
	assert.GreaterOrEqual(t, report.DroppedOutOfMeshMatches, 0)
}

func TestAlignNoActiveLayersInRangeErrors(t *testing.T) {
	in := twoLayerAlignInput()
	in.Config.FromLayer = 5
	in.Config.ToLayer = 9

	_, err := Align(context.Background(), in)
	assert.Error(t, err)
}

func TestAlignPropagatesCanceledContext(t *testing.T) {
	in := twoLayerAlignInput()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Align(ctx, in)
	assert.Error(t, err)
}

func TestWireLayerPairInstallsCrossLinkAndTileConnection(t *testing.T) {
	meshA, err := NewSpringMesh(2, 10, 10, 0.1, 10, 0.9)
	require.NoError(t, err)
	meshB, err := NewSpringMesh(2, 10, 10, 0.1, 10, 0.9)
	require.NoError(t, err)
	meshes := map[int]*SpringMesh{0: meshA, 1: meshB}

	tileA, err := NewTile("a", KindRigid)
	require.NoError(t, err)
	tileB, err := NewTile("b", KindRigid)
	require.NoError(t, err)
	tiles := map[int]*Tile{0: tileA, 1: tileB}

	configSolver := NewTileConfig()
	configSolver.AddTile(tileA)
	configSolver.AddTile(tileB)

	p1 := NewPoint(0, 0) // local (0,0) is always an active lattice vertex
	p2 := NewPoint(1, 1)
	rec := &CorrespondenceRecord{
		LayerA: 0, LayerB: 1,
		ShouldConnect: true,
		Matches:       []PointMatch{NewPointMatch(&p1, &p2, 1)},
	}

	require.NoError(t, wireLayerPair(0, 1, rec, meshes, tiles, configSolver))

	assert.Len(t, meshA.crossLinks, 1)
	assert.Same(t, meshA.activeVertices[0], meshA.crossLinks[0].owner)
	assert.NotNil(t, tileA.connectionTo(tileB))
	assert.NotNil(t, tileB.connectionTo(tileA))
}

func TestEmitTileRecordAppendsTransformAndRecomputesBBox(t *testing.T) {
	mesh, err := NewSpringMesh(2, 20, 20, 0.1, 10, 0.9)
	require.NoError(t, err)

	rec := TileSpecRecord{
		TileID: "tile-0",
		Layer:  0,
		BBox:   [4]float64{0, 0, 20, 20},
		Width:  20,
		Height: 20,
	}

	out, err := emitTileRecord(rec, mesh, 1.0)
	require.NoError(t, err)
	require.Len(t, out.Transforms, 1)
	assert.Equal(t, mlsClassName, out.Transforms[0].ClassName)
	assert.True(t, out.BBox[2] > out.BBox[0])
	assert.True(t, out.BBox[3] > out.BBox[1])
}

func TestEmitTileRecordPrependsScaleLevelTransformForMipmappedTile(t *testing.T) {
	mesh, err := NewSpringMesh(2, 20, 20, 0.1, 10, 0.9)
	require.NoError(t, err)

	rec := TileSpecRecord{
		TileID:       "tile-0",
		Layer:        0,
		BBox:         [4]float64{0, 0, 20, 20},
		Width:        20,
		Height:       20,
		MipmapLevels: []int{0, 1, 2},
	}

	out, err := emitTileRecord(rec, mesh, 0.2)
	require.NoError(t, err)
	require.Len(t, out.Transforms, 2)

	level := bestMipmapLevel(0.2, rec.MipmapLevels)
	want := createScaleLevelTransform(level)
	assert.Equal(t, want.ClassName(), out.Transforms[0].ClassName)
	assert.Equal(t, ModelDataString(want), out.Transforms[0].DataString)
	assert.Equal(t, mlsClassName, out.Transforms[1].ClassName)
}

func TestSortedTileSpecLayersAndToIntSet(t *testing.T) {
	m := map[int][]TileSpecRecord{3: nil, 1: nil, 2: nil}
	assert.Equal(t, []int{1, 2, 3}, sortedTileSpecLayers(m))

	set := toIntSet([]int{5, 2, 5})
	assert.True(t, set[5])
	assert.True(t, set[2])
	assert.False(t, set[9])
}
