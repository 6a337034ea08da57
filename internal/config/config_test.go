package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlasmap-sc/triku/internal/counts"
)

func TestLoad_TrikuSection(t *testing.T) {
	content := `
triku:
  n_features: 500
  knn: 20
  stringency: 0.2
  apply_background_correction: false
  metric: euclidean
  workers: 3
  verbosity: triku
input:
  format: csv
  path: "/data/pbmc.csv"
`
	cfg := loadFromString(t, content)

	if cfg.Triku.NFeatures != 500 {
		t.Errorf("expected n_features 500, got %d", cfg.Triku.NFeatures)
	}
	if cfg.Triku.KNN != 20 {
		t.Errorf("expected knn 20, got %d", cfg.Triku.KNN)
	}
	if cfg.Triku.Stringency != 0.2 {
		t.Errorf("expected stringency 0.2, got %v", cfg.Triku.Stringency)
	}
	if cfg.Triku.ApplyBackgroundCorrection {
		t.Errorf("expected background correction disabled")
	}
	if cfg.Triku.Metric != "euclidean" {
		t.Errorf("unexpected metric: %s", cfg.Triku.Metric)
	}
	if cfg.Input.Format != "csv" || cfg.Input.Path != "/data/pbmc.csv" {
		t.Errorf("unexpected input: %+v", cfg.Input)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
triku:
  metric: ""
output:
  sqlite_path: "/tmp/triku.db"
`
	cfg := loadFromString(t, content)

	if cfg.Triku.Metric != "cosine" {
		t.Errorf("expected default metric cosine, got %q", cfg.Triku.Metric)
	}
	if !cfg.Triku.ApplyBackgroundCorrection || !cfg.Triku.UsePrecomputedNeighbors {
		t.Errorf("expected boolean defaults to survive a partial file")
	}
	if cfg.Triku.NWindows != 75 || cfg.Triku.MinKNN != 6 || cfg.Triku.NComponents != 25 {
		t.Errorf("unexpected numeric defaults: %+v", cfg.Triku)
	}
	if cfg.Triku.Stringency != -0.01 {
		t.Errorf("expected default stringency -0.01, got %v", cfg.Triku.Stringency)
	}
	if cfg.Output.TSVPath != "triku.tsv" {
		t.Errorf("expected default tsv path, got %q", cfg.Output.TSVPath)
	}
	if cfg.Cache.ManagerConfig().NullTTL != 30*time.Minute {
		t.Errorf("unexpected cache ttl: %v", cfg.Cache.ManagerConfig().NullTTL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for a missing file, got %v", err)
	}
	if cfg.Input.Format != "zarr" {
		t.Errorf("expected default format zarr, got %q", cfg.Input.Format)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg := loadFromString(t, "")
	if cfg.Triku.FFTThreshold != 7000 {
		t.Errorf("expected default fft threshold, got %d", cfg.Triku.FFTThreshold)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"non-integer knn":       "triku:\n  knn: 3.5\n",
		"non-integer n_windows": "triku:\n  n_windows: 10.9\n",
		"quoted min_knn":        "triku:\n  min_knn: \"6\"\n",
		"non-integer seed":      "triku:\n  random_seed: 1e3\n",
		"unknown key":           "triku:\n  neighbours: 3\n",
		"malformed":             "triku: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatalf("failed to write temp config: %v", err)
			}
			_, err := Load(path)
			if !errors.Is(err, counts.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
