package zarr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/atlasmap-sc/triku/internal/counts"
)

type zarrArray struct {
	shape    []int
	chunk    []int
	dtype    string
	values   []float64 // row-major over shape
	compress bool
	// Chunks that are entirely zero are not written.
	sparse bool
}

func writeArray(t *testing.T, dir string, arr zarrArray) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "c"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	meta := map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "array",
		"shape":       arr.shape,
		"data_type":   arr.dtype,
		"chunk_grid": map[string]interface{}{
			"name":          "regular",
			"configuration": map[string]interface{}{"chunk_shape": arr.chunk},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name":          "default",
			"configuration": map[string]interface{}{"separator": "/"},
		},
		"fill_value": 0,
	}
	codecs := []map[string]interface{}{{"name": "bytes", "configuration": map[string]interface{}{"endian": "little"}}}
	if arr.compress {
		codecs = append(codecs, map[string]interface{}{"name": "zstd", "configuration": map[string]interface{}{"level": 3}})
	}
	meta["codecs"] = codecs
	data, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(dir, "zarr.json"), data, 0644); err != nil {
		t.Fatalf("write zarr.json: %v", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()

	rows, cols := arr.shape[0], 1
	chunkRows, chunkCols := arr.chunk[0], 1
	if len(arr.shape) == 2 {
		cols, chunkCols = arr.shape[1], arr.chunk[1]
	}
	size := 4
	if arr.dtype == "float64" || arr.dtype == "int64" || arr.dtype == "uint64" {
		size = 8
	}

	for cr := 0; cr*chunkRows < rows; cr++ {
		for cc := 0; cc*chunkCols < cols; cc++ {
			buf := make([]byte, chunkRows*chunkCols*size)
			nonzero := false
			for a := 0; a < chunkRows; a++ {
				for b := 0; b < chunkCols; b++ {
					i, j := cr*chunkRows+a, cc*chunkCols+b
					if i >= rows || j >= cols {
						continue
					}
					v := arr.values[i*cols+j]
					if v != 0 {
						nonzero = true
					}
					off := (a*chunkCols + b) * size
					switch arr.dtype {
					case "float32":
						binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
					case "int32", "uint32":
						binary.LittleEndian.PutUint32(buf[off:], uint32(int32(v)))
					case "float64":
						binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
					default:
						binary.LittleEndian.PutUint64(buf[off:], uint64(int64(v)))
					}
				}
			}
			if arr.sparse && !nonzero {
				continue
			}
			key := filepath.Join("c", strconv.Itoa(cr))
			if len(arr.shape) == 2 {
				key = filepath.Join(key, strconv.Itoa(cc))
			}
			if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, key)), 0755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if arr.compress {
				buf = enc.EncodeAll(buf, nil)
			}
			if err := os.WriteFile(filepath.Join(dir, key), buf, 0644); err != nil {
				t.Fatalf("write chunk: %v", err)
			}
		}
	}
}

func writeMetadata(t *testing.T, dir string, meta Metadata) {
	t.Helper()
	data, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
}

// 5 cells x 3 genes
var testCounts = []float64{
	1, 0, 3,
	0, 0, 2,
	4, 1, 0,
	0, 0, 0,
	2, 5, 1,
}

func newTestStore(t *testing.T, dtype string, compress bool) string {
	t.Helper()
	dir := t.TempDir()
	writeMetadata(t, dir, Metadata{
		FormatVersion: "1",
		NCells:        5,
		Genes:         []string{"g0", "g1", "g2"},
	})
	writeArray(t, filepath.Join(dir, "X"), zarrArray{
		shape:    []int{5, 3},
		chunk:    []int{2, 2},
		dtype:    dtype,
		values:   testCounts,
		compress: compress,
		sparse:   true,
	})
	return dir
}

func TestReader_CountMatrix(t *testing.T) {
	cases := []struct {
		dtype    string
		compress bool
	}{
		{"float32", true},
		{"int32", false},
		{"float64", true},
		{"uint64", false},
	}
	for _, tc := range cases {
		t.Run(tc.dtype, func(t *testing.T) {
			r, err := NewReader(newTestStore(t, tc.dtype, tc.compress))
			if err != nil {
				t.Fatalf("failed to create reader: %v", err)
			}
			defer r.Close()

			m, genes, err := r.CountMatrix()
			if err != nil {
				t.Fatalf("CountMatrix error: %v", err)
			}
			if len(genes) != 3 || genes[2] != "g2" {
				t.Fatalf("unexpected genes: %v", genes)
			}
			rows, cols := m.Dims()
			if rows != 5 || cols != 3 {
				t.Fatalf("unexpected dims %dx%d", rows, cols)
			}
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					if got, want := m.At(i, j), testCounts[i*3+j]; got != want {
						t.Errorf("At(%d,%d) = %v, want %v", i, j, got, want)
					}
				}
			}
			if nnz := m.(*counts.CSR).NNZ(); nnz != 8 {
				t.Errorf("expected 8 stored values, got %d", nnz)
			}
		})
	}
}

func TestReader_PrecomputedNeighbors(t *testing.T) {
	dir := newTestStore(t, "float32", true)

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	conns, err := r.PrecomputedNeighbors()
	r.Close()
	if err != nil || conns != nil {
		t.Fatalf("expected no connectivities, got %v, %v", conns, err)
	}

	writeMetadata(t, dir, Metadata{NCells: 5, Genes: []string{"g0", "g1", "g2"}, NNeighbors: 1})
	group := filepath.Join(dir, "obsp", "connectivities")
	writeArray(t, filepath.Join(group, "row"), zarrArray{shape: []int{4}, chunk: []int{3}, dtype: "int32", values: []float64{0, 1, 2, 4}, compress: true})
	writeArray(t, filepath.Join(group, "col"), zarrArray{shape: []int{4}, chunk: []int{3}, dtype: "int32", values: []float64{1, 0, 4, 2}, compress: true})
	writeArray(t, filepath.Join(group, "data"), zarrArray{shape: []int{4}, chunk: []int{3}, dtype: "float32", values: []float64{0.5, 0.5, 0.25, 0.25}})

	r, err = NewReader(dir)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer r.Close()
	conns, err = r.PrecomputedNeighbors()
	if err != nil {
		t.Fatalf("PrecomputedNeighbors error: %v", err)
	}
	if conns.NNeighbors != 1 {
		t.Errorf("expected 1 neighbor, got %d", conns.NNeighbors)
	}
	if got := conns.Affinities.At(2, 4); got != 0.25 {
		t.Errorf("expected affinity 0.25 at (2,4), got %v", got)
	}
	if got := conns.Affinities.At(3, 0); got != 0 {
		t.Errorf("expected no affinity at (3,0), got %v", got)
	}
}

func TestReader_InvalidStore(t *testing.T) {
	t.Run("missing metadata", func(t *testing.T) {
		_, err := NewReader(t.TempDir())
		if !errors.Is(err, counts.ErrInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	})

	t.Run("gene count mismatch", func(t *testing.T) {
		dir := newTestStore(t, "float32", false)
		writeMetadata(t, dir, Metadata{Genes: []string{"g0", "g1"}})
		r, err := NewReader(dir)
		if err != nil {
			t.Fatalf("failed to create reader: %v", err)
		}
		defer r.Close()
		if _, _, err := r.CountMatrix(); !errors.Is(err, counts.ErrInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	})

	t.Run("unsupported dtype", func(t *testing.T) {
		dir := newTestStore(t, "float32", false)
		raw, _ := os.ReadFile(filepath.Join(dir, "X", "zarr.json"))
		var meta map[string]interface{}
		_ = json.Unmarshal(raw, &meta)
		meta["data_type"] = "complex128"
		raw, _ = json.Marshal(meta)
		_ = os.WriteFile(filepath.Join(dir, "X", "zarr.json"), raw, 0644)

		r, err := NewReader(dir)
		if err != nil {
			t.Fatalf("failed to create reader: %v", err)
		}
		defer r.Close()
		if _, _, err := r.CountMatrix(); !errors.Is(err, counts.ErrInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	})
}
