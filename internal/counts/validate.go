package counts

import "math"

// Validate checks the invariants every scored matrix must satisfy. It runs
// before any neighbor or convolution work so nothing partial is computed.
func Validate(m *CSR, genes []string) error {
	rows, cols := m.Dims()
	if rows < 2 {
		return InvalidInputf("need at least 2 cells, got %d", rows)
	}
	if len(genes) != cols {
		return InvalidInputf("got %d gene ids for %d matrix columns", len(genes), cols)
	}

	for k, v := range m.data {
		if v < 0 {
			return InvalidInputf("negative count %g for gene %q", v, genes[m.indices[k]])
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return InvalidInputf("non-finite count for gene %q", genes[m.indices[k]])
		}
	}

	var null []string
	for j, s := range m.ColumnSums() {
		if s == 0 {
			null = append(null, genes[j])
		}
	}
	if len(null) > 0 {
		return InvalidInputf("%d gene(s) have no counts across all cells (first: %q); filter them before selection", len(null), null[0])
	}

	seen := make(map[string]int, len(genes))
	for j, g := range genes {
		if prev, ok := seen[g]; ok {
			return InvalidInputf("gene id %q is not unique (columns %d and %d)", g, prev, j)
		}
		seen[g] = j
	}
	return nil
}

// Granularity returns the integer rescaling factor that keeps the discrete
// null model valid: 1 for integral counts, 10 otherwise.
func Granularity(m *CSR) int {
	for _, v := range m.data {
		if v != math.Trunc(v) {
			return 10
		}
	}
	return 1
}

// GeneMeans returns the mean count of every gene across all cells.
func GeneMeans(m *CSR) []float64 {
	sums := m.ColumnSums()
	n := float64(m.rows)
	for j := range sums {
		sums[j] /= n
	}
	return sums
}

// ProportionZeros returns, per gene, the fraction of cells with a zero count.
func ProportionZeros(m *CSR) []float64 {
	nnz := make([]int, m.cols)
	for _, j := range m.indices {
		nnz[j]++
	}
	out := make([]float64, m.cols)
	n := float64(m.rows)
	for j, c := range nnz {
		out[j] = 1 - float64(c)/n
	}
	return out
}
