package resultstore

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/triku/internal/service"
)

func sampleResult() *service.Result {
	return &service.Result{
		NCells:              500,
		Genes:               []string{"CD3E", "LYZ", "ACTB"},
		HighlyVariable:      []bool{true, true, false},
		Distance:            []float64{0.9, 0.4, -0.1},
		DistanceUncorrected: []float64{1.2, 0.6, 0.1},
		DistanceRandom:      []float64{0.2, 0.7, 0.05},
		Mean:                []float64{0.3, 2.5, 10},
		ProportionZeros:     []float64{0.8, 0.4, 0.01},
		Cutoff:              0.3,
		Params:              service.Params{KNN: 11, Draws: 12, Granularity: 1, Metric: "cosine"},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "triku.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RunLifecycle(t *testing.T) {
	s := newTestStore(t)

	run, err := s.CreateRun("pbmc.zarr")
	require.NoError(t, err)
	assert.Len(t, run.ID, 36)
	assert.Equal(t, RunStatusRunning, run.Status)

	require.NoError(t, s.CompleteRun(run.ID, sampleResult()))

	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, 500, got.NCells)
	assert.Equal(t, 3, got.NGenes)
	assert.Equal(t, 2, got.NSelected)
	assert.Equal(t, 0.3, got.Cutoff)
	assert.Equal(t, 11, got.Params.KNN)
	assert.NotNil(t, got.FinishedAt)

	missing, err := s.GetRun("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_QueryGenes(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreateRun("x")
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(run.ID, sampleResult()))

	genes, total, err := s.QueryGenes(run.ID, "", 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, genes, 3)
	assert.Equal(t, []string{"CD3E", "LYZ", "ACTB"}, []string{genes[0].Gene, genes[1].Gene, genes[2].Gene})
	assert.InDelta(t, 1.0, genes[0].DistanceCorrected, 1e-12)
	assert.Equal(t, 0.0, genes[1].DistanceCorrected)

	genes, total, err = s.QueryGenes(run.ID, "mean", 0, 1, true)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, genes, 1)
	assert.Equal(t, "LYZ", genes[0].Gene)
	assert.True(t, genes[0].HighlyVariable)
}

func TestStore_FailListDelete(t *testing.T) {
	s := newTestStore(t)

	a, err := s.CreateRun("a")
	require.NoError(t, err)
	b, err := s.CreateRun("b")
	require.NoError(t, err)
	require.NoError(t, s.FailRun(a.ID, "boom"))
	require.NoError(t, s.CompleteRun(b.ID, sampleResult()))

	runs, err := s.ListRuns(10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	failed, err := s.GetRun(a.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.Error)

	deleted, err := s.DeleteExpiredRuns(1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
	deleted, err = s.DeleteExpiredRuns(-1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	c, err := s.CreateRun("c")
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(c.ID, sampleResult()))
	require.NoError(t, s.DeleteRun(c.ID))
	_, total, err := s.QueryGenes(c.ID, "", 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestWriteTSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTSV(&buf, sampleResult()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, strings.Join(TSVHeader, "\t"), lines[0])
	assert.Equal(t, "CD3E\ttrue\t0.9\t1.2\t0.2\t0.3\t0.8", lines[1])

	res := sampleResult()
	res.DistanceRandom = nil
	buf.Reset()
	require.NoError(t, WriteTSV(&buf, res))
	assert.Contains(t, buf.String(), "ACTB\tfalse\t-0.1\t0.1\t\t10\t0.01")
}
