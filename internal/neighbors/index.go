// Package neighbors resolves, for every cell, the set of cells whose
// expression is pooled with its own: the cell itself followed by its k
// nearest neighbors.
package neighbors

import (
	"fmt"

	"github.com/atlasmap-sc/triku/internal/counts"
)

// Index is an n_cells x (k+1) neighbor matrix stored row-major. Column 0 of
// row i is always i.
type Index struct {
	nCells int
	width  int
	idx    []int
	// Distances parallels idx when the index came from a metric search; the
	// own-cell column holds 0. Nil otherwise.
	Distances []float64
}

// NewIndex wraps a row-major neighbor matrix after checking its invariants.
func NewIndex(nCells, k int, idx []int) (*Index, error) {
	if k < 1 {
		return nil, counts.InvalidInputf("neighbor count must be >= 1, got %d", k)
	}
	if len(idx) != nCells*(k+1) {
		return nil, counts.InvalidInputf("neighbor matrix has %d entries, expected %d", len(idx), nCells*(k+1))
	}
	for i := 0; i < nCells; i++ {
		row := idx[i*(k+1) : (i+1)*(k+1)]
		if row[0] != i {
			return nil, counts.InvalidInputf("row %d does not start with its own cell", i)
		}
		for _, j := range row {
			if j < 0 || j >= nCells {
				return nil, counts.InvalidInputf("neighbor %d of cell %d out of range [0, %d)", j, i, nCells)
			}
		}
	}
	return &Index{nCells: nCells, width: k + 1, idx: idx}, nil
}

// NCells returns the number of rows.
func (x *Index) NCells() int { return x.nCells }

// K returns the number of neighbors per cell, excluding the cell itself.
func (x *Index) K() int { return x.width - 1 }

// Width returns k+1, the size of every neighborhood.
func (x *Index) Width() int { return x.width }

// Row returns the neighborhood of cell i, own index first.
func (x *Index) Row(i int) []int {
	return x.idx[i*x.width : (i+1)*x.width]
}

// Raw returns the row-major backing slice.
func (x *Index) Raw() []int { return x.idx }

func (x *Index) String() string {
	return fmt.Sprintf("neighbors.Index{cells=%d k=%d}", x.nCells, x.K())
}

// checkK rejects neighbor counts that leave no room for the cell itself,
// whether k was configured or read along with precomputed neighbors.
func checkK(nCells, k int) error {
	if k < 1 {
		return counts.Configurationf("knn must be >= 1, got %d", k)
	}
	if k >= nCells {
		return counts.Configurationf("knn %d must be smaller than the number of cells (%d)", k, nCells)
	}
	return nil
}
