package service

import (
	"sort"

	"github.com/atlasmap-sc/triku/internal/counts"
	"github.com/atlasmap-sc/triku/internal/neighbors"
)

// KNNExpression holds, for every gene and cell, the summed expression over
// the cell's neighborhood, zeroed where the cell itself does not express the
// gene. It is stored gene-major so a worker reads one gene contiguously.
type KNNExpression struct {
	byGene *counts.CSR
}

// Gene returns the expressing cells of gene g and their neighborhood sums.
func (k *KNNExpression) Gene(g int) ([]int, []float64) { return k.byGene.Row(g) }

// Dims returns (cells, genes).
func (k *KNNExpression) Dims() (int, int) {
	genes, cells := k.byGene.Dims()
	return cells, genes
}

// At returns the neighborhood sum of gene g at cell i.
func (k *KNNExpression) At(i, g int) float64 { return k.byGene.At(g, i) }

// GeneMajor returns the genes x cells layout.
func (k *KNNExpression) GeneMajor() *counts.CSR { return k.byGene }

// Indicator builds the cells x cells neighborhood matrix: entry (i, j) is 1
// when j is in the neighborhood of i. Repeated neighbors collapse to a
// single entry.
func Indicator(idx *neighbors.Index) (*counts.CSR, error) {
	n := idx.NCells()
	indptr := make([]int, n+1)
	indices := make([]int, 0, n*idx.Width())
	for i := 0; i < n; i++ {
		row := uniqueSorted(idx.Row(i))
		indices = append(indices, row...)
		indptr[i+1] = len(indices)
	}
	data := make([]float64, len(indices))
	for p := range data {
		data[p] = 1
	}
	return counts.NewCSR(n, n, indptr, indices, data)
}

func uniqueSorted(row []int) []int {
	out := append([]int(nil), row...)
	sort.Ints(out)
	w := 0
	for r, v := range out {
		if r > 0 && v == out[w-1] {
			continue
		}
		out[w] = v
		w++
	}
	return out[:w]
}

// ComputeKNNExpression multiplies the neighborhood indicator by the count
// matrix and masks every entry whose own count is zero. The product row is
// accumulated into a dense scratch vector and read back only at the
// non-zeros of the cell's own count row.
func ComputeKNNExpression(m *counts.CSR, idx *neighbors.Index) (*KNNExpression, error) {
	cells, genes := m.Dims()
	if idx.NCells() != cells {
		return nil, counts.InvalidInputf("neighbor index covers %d cells, count matrix has %d", idx.NCells(), cells)
	}
	ind, err := Indicator(idx)
	if err != nil {
		return nil, err
	}

	scratch := make([]float64, genes)
	indptr := make([]int, cells+1)
	indices := make([]int, 0, m.NNZ())
	data := make([]float64, 0, m.NNZ())

	for i := 0; i < cells; i++ {
		nbrs, _ := ind.Row(i)
		for _, j := range nbrs {
			cols, vals := m.Row(j)
			for p, g := range cols {
				scratch[g] += vals[p]
			}
		}

		own, _ := m.Row(i)
		for _, g := range own {
			indices = append(indices, g)
			data = append(data, scratch[g])
		}
		indptr[i+1] = len(indices)

		for _, j := range nbrs {
			cols, _ := m.Row(j)
			for _, g := range cols {
				scratch[g] = 0
			}
		}
	}

	byCell, err := counts.NewCSR(cells, genes, indptr, indices, data)
	if err != nil {
		return nil, err
	}
	return &KNNExpression{byGene: byCell.T()}, nil
}
