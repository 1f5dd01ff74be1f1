package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kwv/elasticalign/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApp(t *testing.T) {
	app := NewApp()
	require.NotNil(t, app)
	assert.NotNil(t, app.Overrides)
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:      "job.yaml",
		Overrides:       map[string]string{"threads": "4"},
		MQTTBroker:      "tcp://localhost:1883",
		MQTTTopicPrefix: "myrun",
	}
	app.ApplyOptions(opts)

	assert.Equal(t, "job.yaml", app.ConfigFile)
	assert.Equal(t, "4", app.Overrides["threads"])
	assert.Equal(t, "tcp://localhost:1883", app.MQTTBroker)
	assert.Equal(t, "myrun", app.MQTTTopicPrefix)
}

func TestClassifyRunError(t *testing.T) {
	assert.Equal(t, exitInputParse, classifyRunError(mesh.ErrMissingLayer))
	assert.Equal(t, exitInputParse, classifyRunError(mesh.ErrDuplicateCorrespondence))
	assert.Equal(t, exitConvergence, classifyRunError(mesh.ErrMeshCollapse))
	assert.Equal(t, exitConvergence, classifyRunError(mesh.ErrNotEnoughDataPoints))
	assert.Equal(t, exitConvergence, classifyRunError(mesh.ErrNonInvertibleModel))
	assert.Equal(t, exitConvergence, classifyRunError(mesh.ErrCanceled))
	assert.Equal(t, exitIO, classifyRunError(assertError("boom")))
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestLoadTileSpecsGroupsByLayer(t *testing.T) {
	dir := t.TempDir()
	path0 := writeTileSpecFile(t, dir, "layer0.json", []mesh.TileSpecRecord{
		{TileID: "t0", Layer: 0, BBox: [4]float64{0, 0, 10, 10}, Width: 10, Height: 10},
	})
	path1 := writeTileSpecFile(t, dir, "layer1.json", []mesh.TileSpecRecord{
		{TileID: "t1", Layer: 1, BBox: [4]float64{0, 0, 10, 10}, Width: 10, Height: 10},
	})

	out, urlToLayer, err := loadTileSpecs([]string{path0, path1})
	require.NoError(t, err)
	assert.Equal(t, 0, urlToLayer[path0])
	assert.Equal(t, 1, urlToLayer[path1])
	assert.Len(t, out[0], 1)
	assert.Len(t, out[1], 1)
}

func TestLoadTileSpecsCollectsAllParseErrorsBeforeAborting(t *testing.T) {
	dir := t.TempDir()
	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte("not json"), 0644))
	otherBadPath := filepath.Join(dir, "bad2.json")
	require.NoError(t, os.WriteFile(otherBadPath, []byte("also not json"), 0644))

	_, _, err := loadTileSpecs([]string{badPath, otherBadPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 file(s) failed to parse")
}

func TestLoadCorrespondencesCollectsAllParseErrorsBeforeAborting(t *testing.T) {
	dir := t.TempDir()
	badPath := filepath.Join(dir, "bad-corr.json")
	require.NoError(t, os.WriteFile(badPath, []byte("{not valid"), 0644))

	_, err := loadCorrespondences([]string{badPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 file(s) failed to parse")
}

func TestAppRunEndToEndWritesResultsAndReport(t *testing.T) {
	dir := t.TempDir()
	tile0Path := writeTileSpecFile(t, dir, "tile0.json", []mesh.TileSpecRecord{
		{TileID: "t0", Layer: 0, BBox: [4]float64{0, 0, 100, 100}, Width: 100, Height: 100},
	})
	tile1Path := writeTileSpecFile(t, dir, "tile1.json", []mesh.TileSpecRecord{
		{TileID: "t1", Layer: 1, BBox: [4]float64{0, 0, 100, 100}, Width: 100, Height: 100},
	})

	corrPath := filepath.Join(dir, "corr.json")
	corrBody := `[{
		"url1": "` + tile0Path + `",
		"url2": "` + tile1Path + `",
		"shouldConnect": true,
		"correspondencePointPairs": [
			{"p1": {"l": [0, 0], "w": [0, 0]}, "p2": {"l": [0, 0], "w": [0, 0]}, "w": 1},
			{"p1": {"l": [10, 10], "w": [10, 10]}, "p2": {"l": [11, 11], "w": [11, 11]}, "w": 1},
			{"p1": {"l": [20, 5], "w": [20, 5]}, "p2": {"l": [21, 6], "w": [21, 6]}, "w": 1}
		]
	}]`
	require.NoError(t, os.WriteFile(corrPath, []byte(corrBody), 0644))

	targetDir := filepath.Join(dir, "out")

	app := NewApp()
	app.ApplyOptions(AppOptions{
		Overrides: map[string]string{
			"corrFiles":                 corrPath,
			"tilespecFiles":             tile0Path + "," + tile1Path,
			"imageWidth":                "100",
			"imageHeight":               "100",
			"targetDir":                 targetDir,
			"layerScale":                "1.0",
			"resolutionSpringMesh":      "2",
			"modelIndex":                "1",
			"maxIterationsSpringMesh":   "5",
			"maxPlateauwidthSpringMesh": "2",
			"maxEpsilon":                "50",
			"threads":                   "2",
		},
	})

	code := app.Run(context.Background())
	require.Equal(t, exitSuccess, code)

	_, err := os.Stat(filepath.Join(targetDir, "tile0.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(targetDir, "tile1.json"))
	assert.NoError(t, err)

	reportData, err := os.ReadFile(filepath.Join(targetDir, "run-report.json"))
	require.NoError(t, err)
	var report mesh.RunReport
	require.NoError(t, json.Unmarshal(reportData, &report))
	assert.Contains(t, report.LayerOutcomes, 1)
}

func TestAppRunReturnsInputParseExitCodeOnValidationFailure(t *testing.T) {
	app := NewApp()
	app.ApplyOptions(AppOptions{Overrides: map[string]string{}})
	code := app.Run(context.Background())
	assert.Equal(t, exitInputParse, code)
}

func writeTileSpecFile(t *testing.T, dir, name string, recs []mesh.TileSpecRecord) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, mesh.WriteTileSpecs(path, recs))
	return path
}
