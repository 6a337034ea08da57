package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/triku/internal/config"
	"github.com/atlasmap-sc/triku/internal/counts"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"invalid input", counts.InvalidInputf("negative counts"), exitInvalidInput},
		{"wrapped invalid input", fmt.Errorf("load: %w", counts.InvalidInputf("x")), exitInvalidInput},
		{"configuration", counts.Configurationf("knn"), exitConfiguration},
		{"other", errors.New("disk full"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestOpenSource_Errors(t *testing.T) {
	_, closeFn, err := openSource(config.InputConfig{Format: "zarr"})
	closeFn()
	assert.True(t, errors.Is(err, counts.ErrConfiguration), "got %v", err)

	_, closeFn, err = openSource(config.InputConfig{Format: "h5ad", Path: "x.h5ad"})
	closeFn()
	assert.True(t, errors.Is(err, counts.ErrInvalidInput), "got %v", err)

	_, closeFn, err = openSource(config.InputConfig{Format: "zarr", Path: t.TempDir()})
	closeFn()
	assert.True(t, errors.Is(err, counts.ErrInvalidInput), "got %v", err)
}

func TestApplyRunFlags(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{
		"--knn", "7", "--stringency", "0.5", "--background-correction=false",
		"--format", "tsv", "--seed", "42", "--no-cache",
	}))

	cfg := config.DefaultConfig()
	require.NoError(t, applyRunFlags(cmd, cfg))
	assert.Equal(t, 7, cfg.Triku.KNN)
	assert.Equal(t, 0.5, cfg.Triku.Stringency)
	assert.False(t, cfg.Triku.ApplyBackgroundCorrection)
	assert.Equal(t, int64(42), cfg.Triku.RandomSeed)
	assert.Equal(t, "tsv", cfg.Input.Format)
	assert.False(t, cfg.Cache.Enabled)

	// Untouched flags keep the configured values.
	assert.Equal(t, 75, cfg.Triku.NWindows)
	assert.Equal(t, "cosine", cfg.Triku.Metric)
}

// writeCountsCSV writes a small random count table.
func writeCountsCSV(t *testing.T, path string, cells, genes int) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	var b strings.Builder
	b.WriteString("cell")
	for g := 0; g < genes; g++ {
		fmt.Fprintf(&b, ",gene%d", g)
	}
	b.WriteString("\n")
	for c := 0; c < cells; c++ {
		fmt.Fprintf(&b, "cell%d", c)
		for g := 0; g < genes; g++ {
			v := 0
			if rng.Float64() < 0.4 {
				v = 1 + rng.Intn(4+g%5)
			}
			// Every gene has reads.
			if c == g%cells {
				v++
			}
			fmt.Fprintf(&b, ",%d", v)
		}
		b.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunAndResults(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "counts.csv")
	writeCountsCSV(t, input, 60, 30)
	cfgPath := filepath.Join(dir, "absent.yaml")
	db := filepath.Join(dir, "runs.db")
	tsv := filepath.Join(dir, "out", "triku.tsv")
	plot := filepath.Join(dir, "elbow.png")

	out, err := execute(t, "run", input,
		"--config", cfgPath, "--format", "csv", "--n-features", "5",
		"--tsv", tsv, "--sqlite", db, "--plot", plot,
		"--no-cache", "--workers", "1", "--n-components", "5", "--verbosity", "error", "--json")
	require.NoError(t, err)

	var summary runSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 60, summary.NCells)
	assert.Equal(t, 30, summary.NGenes)
	assert.Equal(t, 5, summary.NSelected)
	assert.Len(t, summary.Selected, 5)
	assert.Equal(t, 4, summary.Params.KNN)
	require.NotEmpty(t, summary.RunID)

	data, err := os.ReadFile(tsv)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 31)
	_, err = os.Stat(plot)
	require.NoError(t, err)

	out, err = execute(t, "results", "list", "--config", cfgPath, "--sqlite", db)
	require.NoError(t, err)
	assert.Contains(t, out, summary.RunID)
	assert.Contains(t, out, "completed")

	out, err = execute(t, "results", "show", summary.RunID, "--config", cfgPath, "--sqlite", db, "--selected")
	require.NoError(t, err)
	assert.Contains(t, out, "Showing 5 of 5 genes")

	_, err = execute(t, "results", "show", "missing", "--config", cfgPath, "--sqlite", db)
	assert.Equal(t, exitInvalidInput, exitCode(err))

	out, err = execute(t, "results", "delete", summary.RunID, "--config", cfgPath, "--sqlite", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted")
}

func TestRun_ConfigurationError(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "counts.csv")
	writeCountsCSV(t, input, 10, 4)

	_, err := execute(t, "run", input, "--config", filepath.Join(dir, "absent.yaml"),
		"--format", "csv", "--knn", "10", "--tsv", "", "--no-cache", "--verbosity", "error")
	assert.Equal(t, exitConfiguration, exitCode(err), "got %v", err)

	_, err = execute(t, "run", input, "--config", filepath.Join(dir, "absent.yaml"),
		"--format", "csv", "--metric", "hamming", "--tsv", "", "--no-cache")
	assert.Equal(t, exitConfiguration, exitCode(err), "got %v", err)
}
