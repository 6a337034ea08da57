package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/atlasmap-sc/triku/internal/counts"
)

func TestOptions_UnmarshalYAML(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, yaml.Unmarshal([]byte("knn: 12\nstringency: 1\nn_windows: 40\nrandom_seed: -3\n"), &opts))

	assert.Equal(t, 12, opts.KNN)
	assert.Equal(t, 1.0, opts.Stringency, "integers are fine for float options")
	assert.Equal(t, 40, opts.NWindows)
	assert.Equal(t, int64(-3), opts.RandomSeed)
	assert.Equal(t, 6, opts.MinKNN, "absent keys keep their defaults")
	assert.True(t, opts.ApplyBackgroundCorrection)
}

func TestOptions_UnmarshalYAML_RejectsNonIntegers(t *testing.T) {
	tests := map[string]string{
		"float knn":       "knn: 3.5\n",
		"float n_windows": "n_windows: 10.9\n",
		"string workers":  "workers: four\n",
		"quoted min_knn":  "min_knn: \"6\"\n",
		"null threshold":  "fft_threshold:\n",
		"list n_features": "n_features: [1, 2]\n",
		"unknown key":     "neighbours: 3\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			err := yaml.Unmarshal([]byte(doc), &opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, counts.ErrConfiguration), "got %v", err)
		})
	}
}
