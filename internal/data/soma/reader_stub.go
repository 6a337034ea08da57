//go:build !soma

package soma

import (
	"github.com/atlasmap-sc/triku/internal/counts"
)

// Reader is a stub when built without "-tags soma".
type Reader struct {
	experimentURI string
	measurement   string
}

// NewReader creates a SOMA reader (stub). It still resolves and validates the experiment path,
// so config issues can be caught early, but CountMatrix returns ErrUnsupported.
func NewReader(somaPath, measurement string) (*Reader, error) {
	uri, err := checkExperiment(somaPath)
	if err != nil {
		return nil, err
	}
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	return &Reader{experimentURI: uri, measurement: measurement}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

func (r *Reader) CountMatrix() (counts.Matrix, []string, error) {
	return nil, nil, ErrUnsupported
}

func (r *Reader) Close() {}
