package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/triku/internal/cache"
)

func TestWasserstein(t *testing.T) {
	tests := []struct {
		name   string
		u, v   []float64
		uw, vw []float64
		want   float64
	}{
		{"unit shift", []float64{0, 1, 3}, []float64{5, 6, 8}, []float64{1, 1, 1}, []float64{1, 1, 1}, 5},
		{"weighted", []float64{0, 1}, []float64{0, 1}, []float64{3, 1}, []float64{2, 2}, 0.25},
		{"identical", []float64{0, 1, 2}, []float64{0, 1, 2}, []float64{1, 2, 1}, []float64{2, 4, 2}, 0},
		{"zero weights ignored", []float64{0, 1, 2}, []float64{0, 2}, []float64{0, 0, 1}, []float64{1, 1}, 1},
		{"unequal support", []float64{0, 1}, []float64{0, 0.5, 1, 1.5}, []float64{1, 1}, []float64{1, 1, 1, 1}, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Wasserstein(tt.u, tt.v, tt.uw, tt.vw), 1e-12)
			assert.InDelta(t, tt.want, Wasserstein(tt.v, tt.u, tt.vw, tt.uw), 1e-12)
		})
	}
	assert.Equal(t, 0.0, Wasserstein(nil, []float64{1}, nil, []float64{1}))
}

func TestScoreGene_BelowMinKNN(t *testing.T) {
	p := ScoreParams{NCells: 20, Draws: 3, MinKNN: 6, Granularity: 1, FFTThreshold: DefaultFFTThreshold}

	// six expressing cells is not more than min_knn
	counts := []float64{5, 1, 2, 9, 3, 1}
	knn := []float64{12, 4, 5, 20, 6, 3}
	score := mustScore(t, counts, knn, p)
	assert.Equal(t, 0.0, score.Distance)
	assert.Equal(t, 21, len(score.Null.Y), "null falls back to the raw knn histogram")
	assert.Equal(t, 1.0, score.Null.Y[20])

	p.MinKNN = 5
	score = mustScore(t, counts, knn, p)
	assert.Greater(t, score.Distance, 0.0)
}

func TestScoreGene_ZeroSpread(t *testing.T) {
	// every cell expresses 2 reads: the null is a single point
	counts := []float64{2, 2, 2, 2, 2, 2, 2, 2}
	knn := []float64{6, 6, 6, 6, 6, 6, 6, 6}
	score := mustScore(t, counts, knn, ScoreParams{NCells: 8, Draws: 3, MinKNN: 1, Granularity: 1})
	assert.Equal(t, 0.0, score.Distance)
}

func TestScoreGene_NormalizedByStd(t *testing.T) {
	counts := []float64{1, 1, 1, 1}
	knn := []float64{2, 2, 2, 2}
	p := ScoreParams{NCells: 8, Draws: 2, MinKNN: 0, Granularity: 1, FFTThreshold: DefaultFFTThreshold}
	score := mustScore(t, counts, knn, p)

	// null: 1 + Bernoulli(0.5) -> {1: 0.5, 2: 0.5}; mean 1.5, std 0.5
	require.Equal(t, []float64{0, 1, 2}, score.Null.X)
	assert.InDeltaSlice(t, []float64{0, 0.5, 0.5}, score.Null.Y, 1e-12)
	// observed all at 2: W = 0.5
	assert.InDelta(t, 1.0, score.Distance, 1e-12)
}

func TestScoreGene_Granularity(t *testing.T) {
	integral := mustScore(t, []float64{1, 1, 1, 1}, []float64{2, 2, 2, 2},
		ScoreParams{NCells: 8, Draws: 2, Granularity: 1, FFTThreshold: DefaultFFTThreshold})
	scaled := mustScore(t, []float64{0.5, 0.5, 0.5, 0.5}, []float64{1, 1, 1, 1},
		ScoreParams{NCells: 8, Draws: 2, Granularity: 10, FFTThreshold: DefaultFFTThreshold})

	assert.InDelta(t, integral.Distance, scaled.Distance, 1e-12, "the distance is scale free")
	assert.InDelta(t, 1.0, scaled.Null.X[len(scaled.Null.X)-1], 1e-12, "support is expressed in original units")
}

func TestScoreGene_Memo(t *testing.T) {
	cm, err := cache.NewManager(cache.Config{NullCacheSizeMB: 8, NullTTL: time.Minute, NeighborCacheSize: 2})
	require.NoError(t, err)
	defer cm.Close()

	p := ScoreParams{NCells: 10, Draws: 4, MinKNN: 2, Granularity: 1, FFTThreshold: DefaultFFTThreshold}
	counts := []float64{1, 3, 2, 1, 4}
	knn := []float64{5, 9, 7, 4, 11}

	plain := mustScore(t, counts, knn, p)
	p.Memo = cm
	first := mustScore(t, counts, knn, p)
	second := mustScore(t, counts, knn, p)

	assert.Equal(t, plain.Distance, first.Distance)
	assert.Equal(t, plain.Distance, second.Distance)
	assert.Equal(t, plain.Null, second.Null)
	assert.Equal(t, 1, cm.Stats()["null_cache_len"])
}

func mustScore(t *testing.T, countVals, knnVals []float64, p ScoreParams) GeneScore {
	t.Helper()
	score, err := ScoreGene(countVals, knnVals, p)
	require.NoError(t, err)
	return score
}
