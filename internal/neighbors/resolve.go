package neighbors

import (
	"context"
	"math/rand"
	"strings"

	"github.com/atlasmap-sc/triku/internal/counts"
)

// Neighbor resolution modes for count-derived neighbors.
const (
	ModePCA    = "pca"
	ModeRandom = "random"
)

// Options controls neighbor resolution from the count matrix.
type Options struct {
	K           int
	NComponents int
	Metric      string
	Mode        string
	Seed        int64
	Workers     int
}

// FromCounts derives neighbors from the count matrix itself: whitened PCA
// followed by a nearest-neighbor search, or uniformly random neighbors when
// opts.Mode is "random".
func FromCounts(ctx context.Context, m *counts.CSR, opts Options) (*Index, error) {
	n, _ := m.Dims()
	if err := checkK(n, opts.K); err != nil {
		return nil, err
	}
	switch strings.ToLower(opts.Mode) {
	case ModePCA, "":
	case ModeRandom:
		return Random(n, opts.K, opts.Seed)
	default:
		return nil, counts.Configurationf("unknown neighbor mode %q", opts.Mode)
	}
	if _, _, err := metricFunc(opts.Metric); err != nil {
		return nil, err
	}

	proj, err := WhitenedPCA(m, opts.NComponents)
	if err != nil {
		return nil, err
	}
	return Search(ctx, proj, opts.K, opts.Metric, opts.Workers)
}

// Random assigns k neighbors per cell drawn uniformly from all cells. The same
// cell may appear more than once in a row.
func Random(nCells, k int, seed int64) (*Index, error) {
	if err := checkK(nCells, k); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	width := k + 1
	idx := make([]int, nCells*width)
	for i := 0; i < nCells; i++ {
		off := i * width
		idx[off] = i
		for p := 1; p < width; p++ {
			idx[off+p] = rng.Intn(nCells)
		}
	}
	return NewIndex(nCells, k, idx)
}
