package counts

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks input that can never be scored: negative counts,
	// genes with no reads, duplicate gene ids or an unsupported input format.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration marks option values that are malformed or inconsistent
	// with the input (non-integer neighbor counts, k >= n_cells, ...).
	ErrConfiguration = errors.New("invalid configuration")
)

// InvalidInputf returns an error wrapping ErrInvalidInput.
func InvalidInputf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Configurationf returns an error wrapping ErrConfiguration.
func Configurationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
