package service

import (
	"math"
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/atlasmap-sc/triku/internal/counts"
	"github.com/atlasmap-sc/triku/internal/logging"
	"github.com/atlasmap-sc/triku/internal/neighbors"
)

// Background neighbor sources for the randomized control run.
const (
	BackgroundNeighborsOriginal   = "original"
	BackgroundNeighborsRandomized = "randomized"
)

// Options controls a selection run. Zero NFeatures selects the cutoff
// automatically; zero KNN derives the neighbor count from the cell count and
// zero Workers uses all cores but one.
type Options struct {
	NFeatures                 int     `yaml:"n_features"`
	UsePrecomputedNeighbors   bool    `yaml:"use_precomputed_neighbors"`
	KNN                       int     `yaml:"knn"`
	Stringency                float64 `yaml:"stringency"`
	ApplyBackgroundCorrection bool    `yaml:"apply_background_correction"`
	NComponents               int     `yaml:"n_components"`
	Metric                    string  `yaml:"metric"`
	NWindows                  int     `yaml:"n_windows"`
	MinKNN                    int     `yaml:"min_knn"`
	RandomSeed                int64   `yaml:"random_seed"`
	Workers                   int     `yaml:"workers"`
	Verbosity                 string  `yaml:"verbosity"`
	NeighborMode              string  `yaml:"neighbor_mode"`
	FFTThreshold              int     `yaml:"fft_threshold"`
	BackgroundNeighbors       string  `yaml:"background_neighbors"`
}

// DefaultOptions returns the default run options.
func DefaultOptions() Options {
	return Options{
		UsePrecomputedNeighbors:   true,
		Stringency:                -0.01,
		ApplyBackgroundCorrection: true,
		NComponents:               25,
		Metric:                    neighbors.MetricCosine,
		NWindows:                  75,
		MinKNN:                    6,
		Verbosity:                 logging.VerbosityWarning,
		NeighborMode:              neighbors.ModePCA,
		FFTThreshold:              DefaultFFTThreshold,
		BackgroundNeighbors:       BackgroundNeighborsOriginal,
	}
}

// optionKinds maps each YAML key of Options to the kind of its field.
var optionKinds = func() map[string]reflect.Kind {
	t := reflect.TypeOf(Options{})
	kinds := make(map[string]reflect.Kind, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		kinds[name] = t.Field(i).Type.Kind()
	}
	return kinds
}()

// UnmarshalYAML decodes the triku section. Integer options only accept
// integer scalars, so "knn: 3.5" is rejected instead of truncated, and
// unknown keys are rejected.
func (o *Options) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			kind, ok := optionKinds[key.Value]
			if !ok {
				return counts.Configurationf("line %d: unknown triku option %q", key.Line, key.Value)
			}
			switch kind {
			case reflect.Int, reflect.Int64:
				if val.Kind != yaml.ScalarNode || val.ShortTag() != "!!int" {
					return counts.Configurationf("line %d: %s must be an integer, got %q", val.Line, key.Value, val.Value)
				}
			}
		}
	}
	type plain Options
	return node.Decode((*plain)(o))
}

// Validate checks every option that does not depend on the input matrix.
func (o Options) Validate() error {
	switch {
	case o.NFeatures < 0:
		return counts.Configurationf("n_features must be >= 0, got %d", o.NFeatures)
	case o.KNN < 0:
		return counts.Configurationf("knn must be >= 0, got %d", o.KNN)
	case math.IsNaN(o.Stringency) || o.Stringency < -1 || o.Stringency > 1:
		return counts.Configurationf("stringency must be in [-1, 1], got %v", o.Stringency)
	case o.NComponents < 2:
		return counts.Configurationf("n_components must be >= 2, got %d", o.NComponents)
	case o.NWindows < 1:
		return counts.Configurationf("n_windows must be >= 1, got %d", o.NWindows)
	case o.MinKNN < 0:
		return counts.Configurationf("min_knn must be >= 0, got %d", o.MinKNN)
	case o.FFTThreshold < 0:
		return counts.Configurationf("fft_threshold must be >= 0, got %d", o.FFTThreshold)
	case o.Workers < 0:
		return counts.Configurationf("workers must be >= 0, got %d", o.Workers)
	}
	if err := neighbors.ValidateMetric(o.Metric); err != nil {
		return err
	}
	switch strings.ToLower(o.NeighborMode) {
	case neighbors.ModePCA, neighbors.ModeRandom, "":
	default:
		return counts.Configurationf("neighbor_mode must be %q or %q, got %q", neighbors.ModePCA, neighbors.ModeRandom, o.NeighborMode)
	}
	switch strings.ToLower(o.BackgroundNeighbors) {
	case BackgroundNeighborsOriginal, BackgroundNeighborsRandomized, "":
	default:
		return counts.Configurationf("background_neighbors must be %q or %q, got %q",
			BackgroundNeighborsOriginal, BackgroundNeighborsRandomized, o.BackgroundNeighbors)
	}
	if _, err := logging.ParseVerbosity(o.Verbosity); err != nil {
		return err
	}
	return nil
}

// DefaultKNN is the neighbor count used when none is configured.
func DefaultKNN(nCells int) int {
	k := int(math.Round(0.5 * math.Sqrt(float64(nCells))))
	if k < 1 {
		k = 1
	}
	return k
}

var numCPU = runtime.NumCPU

// resolveWorkers applies the worker-count defaults. Requests above the number
// of cores fall back to the default with a warning.
func resolveWorkers(requested int, log *logrus.Logger) int {
	fallback := numCPU() - 1
	if fallback < 1 {
		fallback = 1
	}
	switch {
	case requested <= 0:
		return fallback
	case requested > numCPU():
		log.Warnf("[Triku] requested %d workers but only %d cores are available; using %d", requested, numCPU(), fallback)
		return fallback
	default:
		return requested
	}
}
