package mesh

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReportAccumulatesConcurrently(t *testing.T) {
	r := NewRunReport()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.AddDroppedMatches(1)
			r.RecordLayerOutcome(n, n, float64(n))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.DroppedOutOfMeshMatches)
	assert.Len(t, r.LayerOutcomes, 50)
}

func TestRunReportWriteJSON(t *testing.T) {
	r := NewRunReport()
	r.AddDroppedMatches(3)
	r.RecordSkippedLayer(5)
	r.RecordLayerOutcome(0, 12, 0.002)
	r.RecordPhaseDuration("relax", 1.5)

	dir := t.TempDir()
	path := filepath.Join(dir, "run-report.json")
	require.NoError(t, r.WriteJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded RunReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 3, decoded.DroppedOutOfMeshMatches)
	assert.Equal(t, []int{5}, decoded.SkippedLayers)
	assert.InDelta(t, 1.5, decoded.PhaseDurationsSeconds["relax"], 1e-9)
}

func TestRunReportMarkCanceled(t *testing.T) {
	r := NewRunReport()
	assert.False(t, r.Canceled)
	r.MarkCanceled()
	assert.True(t, r.Canceled)
}
