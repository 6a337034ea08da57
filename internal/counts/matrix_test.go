package counts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestToCSR_DenseRoundTrip(t *testing.T) {
	dense := mat.NewDense(3, 4, []float64{
		0, 1, 0, 2,
		3, 0, 0, 0,
		0, 0, 5, 1,
	})

	csr := ToCSR(dense)
	rows, cols := csr.Dims()
	require.Equal(t, 3, rows)
	require.Equal(t, 4, cols)
	assert.Equal(t, 5, csr.NNZ())

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			assert.Equal(t, dense.At(i, j), csr.At(i, j), "entry (%d,%d)", i, j)
		}
	}
	assert.True(t, mat.Equal(dense, csr.ToDense()))
}

func TestCSR_Transpose(t *testing.T) {
	dense := mat.NewDense(2, 3, []float64{
		1, 0, 2,
		0, 4, 3,
	})
	tr := ToCSR(dense).T()

	rows, cols := tr.Dims()
	require.Equal(t, 3, rows)
	require.Equal(t, 2, cols)

	idx, vals := tr.Row(2)
	assert.Equal(t, []int{0, 1}, idx)
	assert.Equal(t, []float64{2, 3}, vals)

	idx, vals = tr.Row(1)
	assert.Equal(t, []int{1}, idx)
	assert.Equal(t, []float64{4}, vals)
}

func TestFromTriplets_SumsDuplicatesAndDropsZeros(t *testing.T) {
	m, err := FromTriplets(2, 2, []Triplet{
		{Row: 1, Col: 1, Value: 2},
		{Row: 0, Col: 0, Value: 1},
		{Row: 1, Col: 1, Value: 3},
		{Row: 0, Col: 1, Value: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.NNZ())
	assert.Equal(t, 5.0, m.At(1, 1))
	assert.Equal(t, 0.0, m.At(0, 1))

	_, err = FromTriplets(2, 2, []Triplet{{Row: 2, Col: 0, Value: 1}})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestNewCSR_RejectsUnsortedIndices(t *testing.T) {
	_, err := NewCSR(1, 3, []int{0, 2}, []int{2, 1}, []float64{1, 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := ToCSR(mat.NewDense(2, 2, []float64{1, 0, 0, 2}))
	b := ToCSR(mat.NewDense(2, 2, []float64{1, 0, 0, 2}))
	c := ToCSR(mat.NewDense(2, 2, []float64{1, 0, 0, 3}))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestNewDense_ShapeMismatch(t *testing.T) {
	_, err := NewDense(2, 2, []float64{1, 2, 3})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}
