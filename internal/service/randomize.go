package service

import (
	"math"
	"math/rand"
	"sort"

	"github.com/atlasmap-sc/triku/internal/counts"
)

// RandomizeCounts returns a matrix where every gene keeps its total count,
// measured in units of 1/granularity, but each unit lands on a uniformly
// random cell. The same seed gives the same matrix.
func RandomizeCounts(m *counts.CSR, granularity int, seed int64) (*counts.CSR, error) {
	cells, genes := m.Dims()
	totals := m.ColumnSums()
	rng := rand.New(rand.NewSource(seed))
	gran := float64(granularity)

	hits := make([]int, cells)
	touched := make([]int, 0, cells)
	indptr := make([]int, genes+1)
	var indices []int
	var data []float64

	for g := 0; g < genes; g++ {
		units := int(math.Round(totals[g] * gran))
		for u := 0; u < units; u++ {
			c := rng.Intn(cells)
			if hits[c] == 0 {
				touched = append(touched, c)
			}
			hits[c]++
		}
		sort.Ints(touched)
		for _, c := range touched {
			indices = append(indices, c)
			data = append(data, float64(hits[c])/gran)
			hits[c] = 0
		}
		touched = touched[:0]
		indptr[g+1] = len(indices)
	}

	byGene, err := counts.NewCSR(genes, cells, indptr, indices, data)
	if err != nil {
		return nil, err
	}
	return byGene.T(), nil
}
