package neighbors

import (
	"fmt"
	"math"

	"github.com/atlasmap-sc/triku/internal/counts"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// varianceTolerance is the fraction of the leading component variance below
// which a component is treated as carrying no information.
const varianceTolerance = 1e-10

// WhitenedPCA projects the cells onto the leading nComponents principal
// axes of the centered matrix and scales every axis to unit variance.
// The returned matrix is n_cells x min(nComponents, informative components).
func WhitenedPCA(m *counts.CSR, nComponents int) (*mat.Dense, error) {
	if nComponents < 2 {
		return nil, counts.Configurationf("n_components must be >= 2, got %d", nComponents)
	}
	rows, cols := m.Dims()
	if rows < 2 {
		return nil, counts.InvalidInputf("PCA needs at least 2 cells, got %d", rows)
	}

	x := m.ToDense()
	// Center columns; stat.PC centers internally but the projection below
	// needs the centered data too.
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, x)
		mu := stat.Mean(col, nil)
		for i := range col {
			col[i] -= mu
		}
		x.SetCol(j, col)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, fmt.Errorf("failed to compute principal components of %dx%d matrix", rows, cols)
	}
	vars := pc.VarsTo(nil)

	informative := 0
	if len(vars) > 0 && vars[0] > 0 {
		for _, v := range vars {
			if v > vars[0]*varianceTolerance {
				informative++
			}
		}
	}
	if informative < 2 {
		return nil, counts.InvalidInputf("only %d informative principal components, need at least 2", informative)
	}
	k := nComponents
	if informative < k {
		k = informative
	}

	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	var proj mat.Dense
	proj.Mul(x, vecs.Slice(0, cols, 0, k))
	for c := 0; c < k; c++ {
		sd := math.Sqrt(vars[c])
		for i := 0; i < rows; i++ {
			proj.Set(i, c, proj.At(i, c)/sd)
		}
	}
	return &proj, nil
}
