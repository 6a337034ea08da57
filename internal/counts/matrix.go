// Package counts holds the cells x genes count matrix the selection pipeline
// reads, its validation rules and the adapter interface input formats implement.
package counts

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a read-only cells x genes matrix. *mat.Dense and *CSR satisfy it.
type Matrix interface {
	Dims() (r, c int)
	At(i, j int) float64
}

// NewDense builds a dense row-major matrix, returning an error instead of
// panicking when the data length does not match the shape.
func NewDense(rows, cols int, data []float64) (*mat.Dense, error) {
	if rows <= 0 || cols <= 0 {
		return nil, InvalidInputf("matrix shape must be positive, got %dx%d", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, InvalidInputf("dense data has %d values, expected %d (%dx%d)", len(data), rows*cols, rows, cols)
	}
	return mat.NewDense(rows, cols, data), nil
}

// CSR is a compressed sparse row matrix. Column indices within a row are
// strictly increasing and explicit zeros are never stored.
type CSR struct {
	rows, cols int
	indptr     []int
	indices    []int
	data       []float64
}

// NewCSR validates and wraps raw CSR buffers. Buffers are not copied.
func NewCSR(rows, cols int, indptr, indices []int, data []float64) (*CSR, error) {
	if rows <= 0 || cols <= 0 {
		return nil, InvalidInputf("matrix shape must be positive, got %dx%d", rows, cols)
	}
	if len(indptr) != rows+1 {
		return nil, InvalidInputf("indptr has %d entries, expected %d", len(indptr), rows+1)
	}
	if len(indices) != len(data) {
		return nil, InvalidInputf("indices (%d) and data (%d) lengths differ", len(indices), len(data))
	}
	if indptr[0] != 0 || indptr[rows] != len(data) {
		return nil, InvalidInputf("indptr must span [0, %d], got [%d, %d]", len(data), indptr[0], indptr[rows])
	}
	for i := 0; i < rows; i++ {
		start, end := indptr[i], indptr[i+1]
		if end < start {
			return nil, InvalidInputf("indptr decreases at row %d", i)
		}
		for p := start; p < end; p++ {
			j := indices[p]
			if j < 0 || j >= cols {
				return nil, InvalidInputf("column index %d out of range at row %d", j, i)
			}
			if p > start && indices[p-1] >= j {
				return nil, InvalidInputf("column indices not strictly increasing at row %d", i)
			}
		}
	}
	return &CSR{rows: rows, cols: cols, indptr: indptr, indices: indices, data: data}, nil
}

// Triplet is one (row, col, value) entry of a coordinate-format matrix.
type Triplet struct {
	Row, Col int
	Value    float64
}

// FromTriplets assembles a CSR from coordinate entries. Duplicate coordinates
// are summed; zeros are dropped.
func FromTriplets(rows, cols int, entries []Triplet) (*CSR, error) {
	if rows <= 0 || cols <= 0 {
		return nil, InvalidInputf("matrix shape must be positive, got %dx%d", rows, cols)
	}
	sorted := make([]Triplet, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Row != sorted[b].Row {
			return sorted[a].Row < sorted[b].Row
		}
		return sorted[a].Col < sorted[b].Col
	})

	indptr := make([]int, rows+1)
	indices := make([]int, 0, len(sorted))
	data := make([]float64, 0, len(sorted))
	row := 0
	for k := 0; k < len(sorted); {
		t := sorted[k]
		if t.Row < 0 || t.Row >= rows || t.Col < 0 || t.Col >= cols {
			return nil, InvalidInputf("entry (%d, %d) outside %dx%d", t.Row, t.Col, rows, cols)
		}
		v := t.Value
		k++
		for k < len(sorted) && sorted[k].Row == t.Row && sorted[k].Col == t.Col {
			v += sorted[k].Value
			k++
		}
		for row < t.Row {
			row++
			indptr[row] = len(data)
		}
		if v != 0 {
			indices = append(indices, t.Col)
			data = append(data, v)
		}
	}
	for row < rows {
		row++
		indptr[row] = len(data)
	}
	return &CSR{rows: rows, cols: cols, indptr: indptr, indices: indices, data: data}, nil
}

// ToCSR converts any Matrix to CSR. A *CSR is returned as is.
func ToCSR(m Matrix) *CSR {
	if c, ok := m.(*CSR); ok {
		return c
	}
	rows, cols := m.Dims()
	indptr := make([]int, rows+1)
	var indices []int
	var data []float64

	dense, isDense := m.(*mat.Dense)
	for i := 0; i < rows; i++ {
		if isDense {
			for j, v := range dense.RawRowView(i) {
				if v != 0 {
					indices = append(indices, j)
					data = append(data, v)
				}
			}
		} else {
			for j := 0; j < cols; j++ {
				if v := m.At(i, j); v != 0 {
					indices = append(indices, j)
					data = append(data, v)
				}
			}
		}
		indptr[i+1] = len(data)
	}
	return &CSR{rows: rows, cols: cols, indptr: indptr, indices: indices, data: data}
}

// Dims returns the matrix shape.
func (m *CSR) Dims() (int, int) { return m.rows, m.cols }

// NNZ returns the number of stored (non-zero) entries.
func (m *CSR) NNZ() int { return len(m.data) }

// At returns entry (i, j).
func (m *CSR) At(i, j int) float64 {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		panic(fmt.Sprintf("counts: index (%d, %d) out of range %dx%d", i, j, m.rows, m.cols))
	}
	idx, vals := m.Row(i)
	k := sort.SearchInts(idx, j)
	if k < len(idx) && idx[k] == j {
		return vals[k]
	}
	return 0
}

// Row returns the column indices and values of the non-zeros of row i.
// The returned slices alias the matrix and must not be modified.
func (m *CSR) Row(i int) ([]int, []float64) {
	start, end := m.indptr[i], m.indptr[i+1]
	return m.indices[start:end], m.data[start:end]
}

// Data returns the stored values; callers must not modify them.
func (m *CSR) Data() []float64 { return m.data }

// T returns the transpose as a new CSR, i.e. the CSC layout of m. Rows of the
// result are the columns of m with entries ordered by increasing row.
func (m *CSR) T() *CSR {
	colCount := make([]int, m.cols+1)
	for _, j := range m.indices {
		colCount[j+1]++
	}
	for j := 0; j < m.cols; j++ {
		colCount[j+1] += colCount[j]
	}
	indptr := make([]int, m.cols+1)
	copy(indptr, colCount)

	next := make([]int, m.cols)
	copy(next, colCount[:m.cols])
	indices := make([]int, len(m.indices))
	data := make([]float64, len(m.data))
	for i := 0; i < m.rows; i++ {
		idx, vals := m.Row(i)
		for k, j := range idx {
			p := next[j]
			indices[p] = i
			data[p] = vals[k]
			next[j]++
		}
	}
	return &CSR{rows: m.cols, cols: m.rows, indptr: indptr, indices: indices, data: data}
}

// ToDense expands the matrix into a gonum dense matrix.
func (m *CSR) ToDense() *mat.Dense {
	d := mat.NewDense(m.rows, m.cols, nil)
	for i := 0; i < m.rows; i++ {
		idx, vals := m.Row(i)
		row := d.RawRowView(i)
		for k, j := range idx {
			row[j] = vals[k]
		}
	}
	return d
}

// ColumnSums returns the per-column totals.
func (m *CSR) ColumnSums() []float64 {
	sums := make([]float64, m.cols)
	for k, j := range m.indices {
		sums[j] += m.data[k]
	}
	return sums
}

// Fingerprint is a content hash identifying the matrix, used as a cache key.
func (m *CSR) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	put(uint64(m.rows))
	put(uint64(m.cols))
	for _, p := range m.indptr {
		put(uint64(p))
	}
	for _, j := range m.indices {
		put(uint64(j))
	}
	for _, v := range m.data {
		put(math.Float64bits(v))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
