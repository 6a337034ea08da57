//go:build soma

package soma

import (
	"fmt"
	"math"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/atlasmap-sc/triku/internal/counts"
)

const (
	xBatch         = 1 << 20 // stored entries per X submit
	varBatch       = 4096    // var rows per submit
	maxGeneIDBytes = 64 << 20
)

// Reader loads the count matrix of a SOMA measurement via TileDB arrays.
type Reader struct {
	experimentURI string
	measurement   string
	ctx           *tiledb.Context
}

// span is an inclusive soma_joinid range.
type span struct{ lo, hi int64 }

func NewReader(somaPath, measurement string) (*Reader, error) {
	uri, err := checkExperiment(somaPath)
	if err != nil {
		return nil, err
	}
	if measurement == "" {
		measurement = DefaultMeasurement
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	return &Reader{experimentURI: uri, measurement: measurement, ctx: ctx}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

func (r *Reader) msURI(suffix string) string {
	return r.experimentURI + "/ms/" + r.measurement + "/" + suffix
}

// CountMatrix reads the full X of the measurement. Rows follow obs joinids and
// columns follow var joinids.
func (r *Reader) CountMatrix() (counts.Matrix, []string, error) {
	genes, err := r.geneIDs()
	if err != nil {
		return nil, nil, err
	}
	cells, ok, err := r.joinIDs(r.experimentURI + "/obs")
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, counts.InvalidInputf("soma obs is empty")
	}
	geneSpan, ok, err := r.joinIDs(r.msURI("var"))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, counts.InvalidInputf("soma var of measurement %s is empty", r.measurement)
	}

	var entries []entry
	err = r.scanCounts(cells, geneSpan, func(cell, gene int64, val float32) {
		if val != 0 {
			entries = append(entries, entry{cell: cell, gene: gene, val: val})
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return buildMatrix(genes, cells.lo, cells.hi, entries)
}

// Close releases the TileDB context.
func (r *Reader) Close() {
	if r.ctx != nil {
		r.ctx.Free()
	}
}

// openArray opens uri for reading. The caller must call release.
func (r *Reader) openArray(uri string) (arr *tiledb.Array, release func(), err error) {
	arr, err = tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open array %s: %w", uri, err)
	}
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		arr.Free()
		return nil, nil, fmt.Errorf("failed to open array %s for read: %w", uri, err)
	}
	return arr, func() {
		arr.Close()
		arr.Free()
	}, nil
}

// joinIDs returns the non-empty soma_joinid domain of a dataframe; ok is
// false when the dataframe holds no rows.
func (r *Reader) joinIDs(uri string) (s span, ok bool, err error) {
	arr, release, err := r.openArray(uri)
	if err != nil {
		return span{}, false, err
	}
	defer release()
	return nonEmptySpan(arr, "soma_joinid")
}

func nonEmptySpan(arr *tiledb.Array, dim string) (span, bool, error) {
	ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
	if err != nil {
		return span{}, false, fmt.Errorf("failed to get non-empty domain of %s: %w", dim, err)
	}
	if isEmpty || ned == nil {
		return span{}, false, nil
	}
	s, err := boundsSpan(ned.Bounds)
	return s, err == nil, err
}

// newQuery prepares a read query restricted to the given dimension ranges.
func (r *Reader) newQuery(arr *tiledb.Array, layout tiledb.Layout, ranges map[string]span) (*tiledb.Query, func(), error) {
	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	for dim, s := range ranges {
		if err := sub.AddRangeByName(dim, tiledb.MakeRange[int64](s.lo, s.hi)); err != nil {
			sub.Free()
			return nil, nil, fmt.Errorf("failed to set %s range: %w", dim, err)
		}
	}
	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		sub.Free()
		return nil, nil, fmt.Errorf("failed to create query: %w", err)
	}
	release := func() {
		q.Free()
		sub.Free()
	}
	if err := q.SetSubarray(sub); err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(layout); err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to set query layout: %w", err)
	}
	return q, release, nil
}

// drain submits q until it completes. bind (re)attaches the result buffers
// before each submit, since TileDB treats their sizes as in/out parameters.
func drain(q *tiledb.Query, bind func() error, consume func(elems map[string][3]uint64) error) error {
	for {
		if err := bind(); err != nil {
			return err
		}
		if err := q.Submit(); err != nil {
			return fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("failed to read result sizes: %w", err)
		}
		if err := consume(elems); err != nil {
			return err
		}

		switch status {
		case tiledb.TILEDB_COMPLETED:
			return nil
		case tiledb.TILEDB_INCOMPLETE:
		default:
			return fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}
}

// geneIDs maps var gene_id onto soma_joinid.
func (r *Reader) geneIDs() (map[string]int64, error) {
	arr, release, err := r.openArray(r.msURI("var"))
	if err != nil {
		return nil, err
	}
	defer release()

	genes := make(map[string]int64)
	s, ok, err := nonEmptySpan(arr, "soma_joinid")
	if err != nil || !ok {
		return genes, err
	}
	nullable, err := attributeNullable(arr, "gene_id")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect gene_id: %w", err)
	}

	q, releaseQuery, err := r.newQuery(arr, tiledb.TILEDB_ROW_MAJOR, map[string]span{"soma_joinid": s})
	if err != nil {
		return nil, fmt.Errorf("var: %w", err)
	}
	defer releaseQuery()

	joinIDs := make([]int64, varBatch)
	offsets := make([]uint64, varBatch)
	text := make([]byte, 1<<20)
	var validity []uint8
	if nullable {
		validity = make([]uint8, varBatch)
	}

	bind := func() error {
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return fmt.Errorf("failed to bind soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer("gene_id", offsets); err != nil {
			return fmt.Errorf("failed to bind gene_id offsets: %w", err)
		}
		if _, err := q.SetDataBuffer("gene_id", text); err != nil {
			return fmt.Errorf("failed to bind gene_id: %w", err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer("gene_id", validity); err != nil {
				return fmt.Errorf("failed to bind gene_id validity: %w", err)
			}
		}
		return nil
	}
	consume := func(elems map[string][3]uint64) error {
		n := min(int(elems["soma_joinid"][1]), len(joinIDs))
		nOff := min(int(elems["gene_id"][0]), len(offsets))
		nText := min(int(elems["gene_id"][1]), len(text))
		if n == 0 && nOff == 0 && nText == 0 {
			// Not even one gene id fits.
			if len(text) >= maxGeneIDBytes {
				return fmt.Errorf("gene_id values exceed %d bytes", maxGeneIDBytes)
			}
			text = make([]byte, len(text)*2)
			return nil
		}
		nValid := n
		if nullable {
			nValid = min(int(elems["gene_id"][2]), len(validity))
		}

		for i := 0; i < min(n, nOff, nValid); i++ {
			if nullable && validity[i] == 0 {
				continue
			}
			start, end := int(offsets[i]), nText
			if i+1 < nOff {
				end = int(offsets[i+1])
			}
			if start > end || end > nText {
				continue
			}
			if id := string(text[start:end]); id != "" {
				genes[id] = joinIDs[i]
			}
		}
		return nil
	}

	if err := drain(q, bind, consume); err != nil {
		return nil, fmt.Errorf("var: %w", err)
	}
	return genes, nil
}

// scanCounts streams the stored X/data entries inside cells x genes.
func (r *Reader) scanCounts(cells, genes span, fn func(cell, gene int64, val float32)) error {
	arr, release, err := r.openArray(r.msURI("X/data"))
	if err != nil {
		return err
	}
	defer release()

	nullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return fmt.Errorf("failed to inspect soma_data: %w", err)
	}
	q, releaseQuery, err := r.newQuery(arr, tiledb.TILEDB_UNORDERED, map[string]span{
		"soma_dim_0": cells,
		"soma_dim_1": genes,
	})
	if err != nil {
		return fmt.Errorf("X: %w", err)
	}
	defer releaseQuery()

	cellBuf := make([]int64, xBatch)
	geneBuf := make([]int64, xBatch)
	valBuf := make([]float32, xBatch)
	var validity []uint8
	if nullable {
		validity = make([]uint8, xBatch)
	}

	bind := func() error {
		if _, err := q.SetDataBuffer("soma_dim_0", cellBuf); err != nil {
			return fmt.Errorf("failed to bind soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", geneBuf); err != nil {
			return fmt.Errorf("failed to bind soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", valBuf); err != nil {
			return fmt.Errorf("failed to bind soma_data: %w", err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer("soma_data", validity); err != nil {
				return fmt.Errorf("failed to bind soma_data validity: %w", err)
			}
		}
		return nil
	}
	consume := func(elems map[string][3]uint64) error {
		n := min(int(elems["soma_data"][1]), len(valBuf))
		for i := 0; i < n; i++ {
			if nullable && validity[i] == 0 {
				continue
			}
			fn(cellBuf[i], geneBuf[i], valBuf[i])
		}
		return nil
	}

	if err := drain(q, bind, consume); err != nil {
		return fmt.Errorf("X: %w", err)
	}
	return nil
}

func boundsSpan(bounds interface{}) (span, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return span{v[0], v[1]}, nil
		}
	case []int32:
		if len(v) >= 2 {
			return span{int64(v[0]), int64(v[1])}, nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return span{}, fmt.Errorf("joinid bounds exceed int64 range")
			}
			return span{int64(v[0]), int64(v[1])}, nil
		}
	case []uint32:
		if len(v) >= 2 {
			return span{int64(v[0]), int64(v[1])}, nil
		}
	}
	return span{}, fmt.Errorf("unsupported joinid bounds type %T", bounds)
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
