// Package config handles configuration loading for triku runs.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlasmap-sc/triku/internal/cache"
	"github.com/atlasmap-sc/triku/internal/counts"
	"github.com/atlasmap-sc/triku/internal/service"
)

// Config represents the run configuration.
type Config struct {
	Triku  service.Options `yaml:"triku"`
	Input  InputConfig     `yaml:"input"`
	Output OutputConfig    `yaml:"output"`
	Cache  CacheConfig     `yaml:"cache"`
}

// InputConfig selects the count matrix to read.
type InputConfig struct {
	Format      string `yaml:"format"` // zarr, csv, tsv or soma
	Path        string `yaml:"path"`
	Measurement string `yaml:"measurement"`
}

// OutputConfig contains result sink settings. Empty paths disable a sink.
type OutputConfig struct {
	TSVPath       string `yaml:"tsv_path"`
	SQLitePath    string `yaml:"sqlite_path"`
	PlotPath      string `yaml:"plot_path"`
	PlotWidth     int    `yaml:"plot_width"`
	PlotHeight    int    `yaml:"plot_height"`
	Colormap      string `yaml:"colormap"`
	RetentionDays int    `yaml:"retention_days"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	Enabled         bool `yaml:"enabled"`
	NullSizeMB      int  `yaml:"null_size_mb"`
	NullTTLMinutes  int  `yaml:"null_ttl_minutes"`
	NeighborEntries int  `yaml:"neighbor_entries"`
}

// ManagerConfig converts the settings into a cache.Config.
func (c CacheConfig) ManagerConfig() cache.Config {
	return cache.Config{
		NullCacheSizeMB:   c.NullSizeMB,
		NullTTL:           time.Duration(c.NullTTLMinutes) * time.Minute,
		NeighborCacheSize: c.NeighborEntries,
	}
}

// Load reads configuration from a YAML file. Keys absent from the file keep
// their defaults; unknown keys and malformed values are configuration errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, counts.Configurationf("%s: %v", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(cfg)

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Triku: service.DefaultOptions(),
		Input: InputConfig{
			Format:      "zarr",
			Measurement: "RNA",
		},
		Output: OutputConfig{
			TSVPath:       "triku.tsv",
			PlotWidth:     800,
			PlotHeight:    600,
			Colormap:      "viridis",
			RetentionDays: 30,
		},
		Cache: CacheConfig{
			Enabled:         true,
			NullSizeMB:      256,
			NullTTLMinutes:  30,
			NeighborEntries: 8,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Triku.Metric == "" {
		cfg.Triku.Metric = defaults.Triku.Metric
	}
	if cfg.Triku.Verbosity == "" {
		cfg.Triku.Verbosity = defaults.Triku.Verbosity
	}
	if cfg.Triku.NeighborMode == "" {
		cfg.Triku.NeighborMode = defaults.Triku.NeighborMode
	}
	if cfg.Triku.BackgroundNeighbors == "" {
		cfg.Triku.BackgroundNeighbors = defaults.Triku.BackgroundNeighbors
	}
	if cfg.Input.Format == "" {
		cfg.Input.Format = defaults.Input.Format
	}
	if cfg.Input.Measurement == "" {
		cfg.Input.Measurement = defaults.Input.Measurement
	}
	if cfg.Output.PlotWidth == 0 {
		cfg.Output.PlotWidth = defaults.Output.PlotWidth
	}
	if cfg.Output.PlotHeight == 0 {
		cfg.Output.PlotHeight = defaults.Output.PlotHeight
	}
	if cfg.Output.Colormap == "" {
		cfg.Output.Colormap = defaults.Output.Colormap
	}
	if cfg.Output.RetentionDays == 0 {
		cfg.Output.RetentionDays = defaults.Output.RetentionDays
	}
	if cfg.Cache.NullSizeMB == 0 {
		cfg.Cache.NullSizeMB = defaults.Cache.NullSizeMB
	}
	if cfg.Cache.NullTTLMinutes == 0 {
		cfg.Cache.NullTTLMinutes = defaults.Cache.NullTTLMinutes
	}
	if cfg.Cache.NeighborEntries == 0 {
		cfg.Cache.NeighborEntries = defaults.Cache.NeighborEntries
	}
}
