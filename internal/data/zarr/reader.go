// Package zarr provides a reader for count matrices stored as Zarr v3.
//
// A store is a directory holding metadata.json, the dense cells x genes array
// X and, optionally, a precomputed neighbor graph as three 1-D coordinate
// arrays under obsp/connectivities/{row,col,data}.
package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/atlasmap-sc/triku/internal/counts"
	"github.com/atlasmap-sc/triku/internal/neighbors"
)

// Reader provides access to a count matrix Zarr store.
type Reader struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder
}

// Metadata contains metadata about the Zarr store.
type Metadata struct {
	FormatVersion string   `json:"format_version"`
	DatasetName   string   `json:"dataset_name"`
	NCells        int      `json:"n_cells"`
	NGenes        int      `json:"n_genes"`
	Genes         []string `json:"genes"`
	// Neighbor count the stored connectivities were built with.
	NNeighbors int `json:"n_neighbors,omitempty"`
}

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

const (
	countsArray         = "X"
	connectivitiesGroup = "obsp/connectivities"
)

// NewReader opens the store at basePath.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
	}

	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	return r, nil
}

// Metadata returns the Zarr metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return counts.InvalidInputf("failed to read metadata.json: %v", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return counts.InvalidInputf("failed to parse metadata.json: %v", err)
	}
	if len(metadata.Genes) == 0 {
		return counts.InvalidInputf("metadata.json lists no genes")
	}
	if metadata.NGenes == 0 {
		metadata.NGenes = len(metadata.Genes)
	}

	r.metadata = &metadata
	return nil
}

// CountMatrix reads X into a sparse matrix. Zero entries are dropped while
// chunks are decoded, so the dense array is never held in memory.
func (r *Reader) CountMatrix() (counts.Matrix, []string, error) {
	arrayPath := filepath.Join(r.basePath, countsArray)
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, nil, counts.InvalidInputf("failed to read %s metadata: %v", countsArray, err)
	}
	if len(meta.Shape) != 2 {
		return nil, nil, counts.InvalidInputf("%s must be 2-D, got shape %v", countsArray, meta.Shape)
	}
	nCells, nGenes := meta.Shape[0], meta.Shape[1]
	if nGenes != len(r.metadata.Genes) {
		return nil, nil, counts.InvalidInputf("%s has %d genes but metadata lists %d", countsArray, nGenes, len(r.metadata.Genes))
	}
	if r.metadata.NCells != 0 && r.metadata.NCells != nCells {
		return nil, nil, counts.InvalidInputf("%s has %d cells but metadata reports %d", countsArray, nCells, r.metadata.NCells)
	}

	var entries []counts.Triplet
	err = r.forEachChunk(arrayPath, meta, func(origin, shape []int, values []float64) {
		for a := 0; a < shape[0]; a++ {
			for b := 0; b < shape[1]; b++ {
				if v := values[a*shape[1]+b]; v != 0 {
					entries = append(entries, counts.Triplet{Row: origin[0] + a, Col: origin[1] + b, Value: v})
				}
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}

	m, err := counts.FromTriplets(nCells, nGenes, entries)
	if err != nil {
		return nil, nil, err
	}
	return m, r.metadata.Genes, nil
}

// PrecomputedNeighbors reads the stored connectivities. A store without them
// yields nil, nil.
func (r *Reader) PrecomputedNeighbors() (*neighbors.Connectivities, error) {
	group := filepath.Join(r.basePath, connectivitiesGroup)
	if _, err := os.Stat(group); os.IsNotExist(err) {
		return nil, nil
	}
	if r.metadata.NNeighbors <= 0 {
		return nil, counts.InvalidInputf("connectivities present but metadata has no n_neighbors")
	}

	rows, err := r.readVector(filepath.Join(group, "row"))
	if err != nil {
		return nil, err
	}
	cols, err := r.readVector(filepath.Join(group, "col"))
	if err != nil {
		return nil, err
	}
	vals, err := r.readVector(filepath.Join(group, "data"))
	if err != nil {
		return nil, err
	}
	if len(rows) != len(cols) || len(rows) != len(vals) {
		return nil, counts.InvalidInputf("connectivities arrays differ in length: row=%d col=%d data=%d", len(rows), len(cols), len(vals))
	}

	n := r.metadata.NCells
	if n == 0 {
		meta, err := r.loadArrayMeta(filepath.Join(r.basePath, countsArray))
		if err != nil || len(meta.Shape) == 0 {
			return nil, counts.InvalidInputf("cannot size connectivities: metadata has no n_cells")
		}
		n = meta.Shape[0]
	}
	entries := make([]counts.Triplet, len(rows))
	for i := range rows {
		entries[i] = counts.Triplet{Row: int(rows[i]), Col: int(cols[i]), Value: vals[i]}
	}
	aff, err := counts.FromTriplets(n, n, entries)
	if err != nil {
		return nil, err
	}
	return &neighbors.Connectivities{Affinities: aff, NNeighbors: r.metadata.NNeighbors}, nil
}

// readVector reads a whole 1-D array.
func (r *Reader) readVector(arrayPath string) ([]float64, error) {
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, counts.InvalidInputf("failed to read %s metadata: %v", arrayPath, err)
	}
	if len(meta.Shape) != 1 {
		return nil, counts.InvalidInputf("%s must be 1-D, got shape %v", arrayPath, meta.Shape)
	}
	out := make([]float64, meta.Shape[0])
	err = r.forEachChunk(arrayPath, meta, func(origin, shape []int, values []float64) {
		copy(out[origin[0]:origin[0]+shape[0]], values)
	})
	return out, err
}

// forEachChunk decodes every chunk of a 1-D or 2-D array in row-major chunk
// order. origin is the chunk's first element, shape its actual extent.
func (r *Reader) forEachChunk(arrayPath string, meta *ZarrV3ArrayMeta, fn func(origin, shape []int, values []float64)) error {
	if len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return counts.InvalidInputf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(meta.Shape), len(meta.ChunkGrid.Configuration.ChunkShape))
	}
	grid := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		c := meta.ChunkGrid.Configuration.ChunkShape[d]
		if c <= 0 {
			return counts.InvalidInputf("invalid chunk shape at dim %d: %d", d, c)
		}
		grid[d] = ceilDiv(meta.Shape[d], c)
	}

	idx := make([]int, len(grid))
	origin := make([]int, len(grid))
	for n := product(grid); n > 0; n-- {
		shape, err := r.chunkShapeAt(meta, idx)
		if err != nil {
			return err
		}
		data, err := r.readChunkAt(arrayPath, meta, idx)
		if err != nil {
			return fmt.Errorf("failed to load chunk %v of %s: %w", idx, arrayPath, err)
		}
		values, err := decodeValues(meta, data, shape)
		if err != nil {
			return fmt.Errorf("chunk %v of %s: %w", idx, arrayPath, err)
		}
		for d := range idx {
			origin[d] = idx[d] * meta.ChunkGrid.Configuration.ChunkShape[d]
		}
		fn(origin, shape, values)

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < grid[d] {
				break
			}
			idx[d] = 0
		}
	}
	return nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) loadArrayMeta(arrayPath string) (*ZarrV3ArrayMeta, error) {
	metaPath := filepath.Join(arrayPath, "zarr.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

func compressed(meta *ZarrV3ArrayMeta) bool {
	for _, c := range meta.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

// readChunk reads and, when the array uses zstd, decompresses a chunk.
func (r *Reader) readChunk(arrayPath string, meta *ZarrV3ArrayMeta, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	chunkPath := filepath.Join(arrayPath, "c", chunkKey)

	raw, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}
	if !compressed(meta) {
		return raw, nil
	}

	decompressed, err := r.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}

	return decompressed, nil
}

func (r *Reader) encodeChunkKey(meta *ZarrV3ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func (r *Reader) chunkShapeAt(meta *ZarrV3ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(meta.Shape) == 0 || len(meta.ChunkGrid.Configuration.ChunkShape) == 0 {
		return nil, fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		actual[d] = min(chunkLen, meta.Shape[d]-start)
	}

	return actual, nil
}

// readChunkAt returns the chunk bytes. A chunk absent on disk is all fill
// value and is returned as nil.
func (r *Reader) readChunkAt(arrayPath string, meta *ZarrV3ArrayMeta, chunkIndices []int) ([]byte, error) {
	data, err := r.readChunk(arrayPath, meta, r.encodeChunkKey(meta, chunkIndices))
	if err == nil {
		return data, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	return nil, err
}

func zarrDTypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, counts.InvalidInputf("unsupported zarr data_type: %s", dataType)
	}
}

func zarrFillValue(meta *ZarrV3ArrayMeta) (float64, error) {
	switch t := meta.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case string:
		// Zarr v3 spells non-finite fills as strings.
		if t == "NaN" {
			return math.NaN(), nil
		}
		return 0, counts.InvalidInputf("unsupported fill_value %q", t)
	default:
		return 0, counts.InvalidInputf("unsupported fill_value type: %T", meta.FillValue)
	}
}

// decodeValues converts little-endian chunk bytes to float64. Chunks are
// stored at full chunk shape even at the array edge, so values are cropped to
// the actual extent.
func decodeValues(meta *ZarrV3ArrayMeta, data []byte, shape []int) ([]float64, error) {
	n := product(shape)
	out := make([]float64, n)
	if data == nil {
		fill, err := zarrFillValue(meta)
		if err != nil {
			return nil, err
		}
		if fill != 0 {
			for i := range out {
				out[i] = fill
			}
		}
		return out, nil
	}

	size, err := zarrDTypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	full := meta.ChunkGrid.Configuration.ChunkShape
	stride := 1
	if len(shape) == 2 {
		stride = full[1]
	}
	need := (product(shape[:len(shape)-1])-1)*stride + shape[len(shape)-1]
	if len(data) < need*size {
		return nil, counts.InvalidInputf("chunk too short: got %d bytes, expected at least %d", len(data), need*size)
	}

	rowLen := shape[len(shape)-1]
	for i := 0; i < n; i++ {
		src := i
		if len(shape) == 2 {
			src = (i/rowLen)*stride + i%rowLen
		}
		b := data[src*size : (src+1)*size]
		switch meta.DataType {
		case "float32":
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case "int32":
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case "uint32":
			out[i] = float64(binary.LittleEndian.Uint32(b))
		case "float64":
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case "int64":
			out[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case "uint64":
			out[i] = float64(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
