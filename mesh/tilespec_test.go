package mesh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTileSpecsParsesRecords(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tiles.json", `[
		{"tileId":"t0","layer":0,"bbox":[0,0,100,100],"transforms":[{"className":"AffineModel2D","dataString":"1,0,0,1,0,0"}],"width":100,"height":100}
	]`)

	records, err := LoadTileSpecs(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "t0", records[0].TileID)
	assert.Equal(t, 0, records[0].Layer)
}

func TestLoadTileSpecsRejectsLayerNegativeOne(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tiles.json", `[{"tileId":"t0","layer":-1,"bbox":[0,0,1,1]}]`)

	_, err := LoadTileSpecs(path)
	assert.ErrorIs(t, err, ErrMissingLayer)
}

func TestFirstLayerReadsFirstTile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tiles.json", `[{"tileId":"t0","layer":3,"bbox":[0,0,1,1]},{"tileId":"t1","layer":3,"bbox":[1,0,2,1]}]`)

	layer, err := FirstLayer(path)
	require.NoError(t, err)
	assert.Equal(t, 3, layer)
}

func TestBuildURLToLayerMap(t *testing.T) {
	dir := t.TempDir()
	p0 := writeFile(t, dir, "l0.json", `[{"tileId":"t0","layer":0,"bbox":[0,0,1,1]}]`)
	p1 := writeFile(t, dir, "l1.json", `[{"tileId":"t1","layer":1,"bbox":[0,0,1,1]}]`)

	m, err := BuildURLToLayerMap([]string{p0, p1})
	require.NoError(t, err)
	assert.Equal(t, 0, m[p0])
	assert.Equal(t, 1, m[p1])
}

func TestLoadCorrespondenceFileParsesMatches(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "corr.json", `[
		{"url1":"a.json","url2":"b.json","shouldConnect":true,"correspondencePointPairs":[
			{"p1":{"l":[0,0],"w":[0,0]},"p2":{"l":[1,1],"w":[1,1]},"w":0.5}
		]}
	]`)

	specs, err := LoadCorrespondenceFile(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "a.json", specs[0].URL1)
	assert.True(t, specs[0].ShouldConnect)
	require.Len(t, specs[0].Matches, 1)
	assert.Equal(t, [2]float64{0, 0}, specs[0].Matches[0].P1.L)
	assert.Equal(t, [2]float64{1, 1}, specs[0].Matches[0].P2.L)
	assert.Equal(t, 0.5, specs[0].Matches[0].Weight)
}

func TestLoadCorrespondenceFileClampsNegativeWeight(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "corr.json", `[
		{"url1":"a.json","url2":"b.json","correspondencePointPairs":[
			{"p1":{"l":[0,0],"w":[0,0]},"p2":{"l":[1,1],"w":[1,1]},"w":-3}
		]}
	]`)
	specs, err := LoadCorrespondenceFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, specs[0].Matches[0].Weight)
}

func TestWriteTileSpecsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	records := []TileSpecRecord{{TileID: "t0", Layer: 2, BBox: [4]float64{0, 0, 10, 10}, Width: 10, Height: 10}}
	require.NoError(t, WriteTileSpecs(path, records))

	reloaded, err := LoadTileSpecs(path)
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	assert.Equal(t, 2, reloaded[0].Layer)
}

func TestBoundArrayRoundTrip(t *testing.T) {
	bbox := [4]float64{1, 2, 3, 4}
	b := BoundFromArray(bbox)
	assert.Equal(t, bbox, ArrayFromBound(b))
}

func TestUnionBoundCoversBoth(t *testing.T) {
	a := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	b := orb.Bound{Min: orb.Point{2, 2}, Max: orb.Point{3, 3}}
	u := unionBound(a, b)
	assert.Equal(t, orb.Point{0, 0}, u.Min)
	assert.Equal(t, orb.Point{3, 3}, u.Max)
}

func TestBestMipmapLevelPicksCoarsestNotExceedingScale(t *testing.T) {
	levels := []int{0, 1, 2, 3}
	assert.Equal(t, 0, bestMipmapLevel(1.0, levels))
	assert.Equal(t, 2, bestMipmapLevel(0.2, levels))
	assert.Equal(t, 0, bestMipmapLevel(0, levels))
}

func TestCreateScaleLevelTransformScalesByPowerOfTwoAndTranslates(t *testing.T) {
	tr := createScaleLevelTransform(2)
	p := tr.Apply(Point{L: [2]float64{3, 5}})
	assert.Equal(t, [2]float64{13.5, 21.5}, p.W)
}
