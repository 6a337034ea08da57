// Package table reads count matrices from delimited text files.
//
// The first row holds the gene ids and the first column the cell ids; the
// top-left cell is ignored. Every other field must parse as a number.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/atlasmap-sc/triku/internal/counts"
)

// Reader is a counts.Source over a CSV or TSV file.
type Reader struct {
	path  string
	comma rune
	cells []string
}

// NewReader opens a delimited file. format is "csv", "tsv" or empty to pick
// the separator from the file extension.
func NewReader(path, format string) (*Reader, error) {
	comma, err := separator(path, format)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, counts.InvalidInputf("table not found at %s: %v", path, err)
	}
	return &Reader{path: path, comma: comma}, nil
}

func separator(path, format string) (rune, error) {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	switch format {
	case "csv":
		return ',', nil
	case "tsv", "txt", "tab":
		return '\t', nil
	default:
		return 0, counts.InvalidInputf("unsupported table format %q", format)
	}
}

// CountMatrix parses the file into a sparse matrix.
func (r *Reader) CountMatrix() (counts.Matrix, []string, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()

	m, genes, cells, err := Parse(f, r.comma)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", r.path, err)
	}
	r.cells = cells
	return m, genes, nil
}

// Cells returns the cell ids read by the last CountMatrix call.
func (r *Reader) Cells() []string { return r.cells }

// Parse reads a delimited cells x genes table.
func Parse(in io.Reader, comma rune) (*counts.CSR, []string, []string, error) {
	cr := csv.NewReader(in)
	cr.Comma = comma
	cr.ReuseRecord = true
	cr.Comment = '#'

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil, counts.InvalidInputf("table is empty")
	}
	if err != nil {
		return nil, nil, nil, counts.InvalidInputf("failed to read header: %v", err)
	}
	if len(header) < 2 {
		return nil, nil, nil, counts.InvalidInputf("header needs a cell id column and at least one gene")
	}
	genes := make([]string, len(header)-1)
	for j, g := range header[1:] {
		genes[j] = strings.TrimSpace(g)
	}

	var (
		cells   []string
		indptr  = []int{0}
		indices []int
		data    []float64
	)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, nil, counts.InvalidInputf("line %d: %v", line, err)
		}
		cells = append(cells, strings.TrimSpace(rec[0]))
		for j, field := range rec[1:] {
			field = strings.TrimSpace(field)
			if field == "" {
				return nil, nil, nil, counts.InvalidInputf("line %d, gene %s: empty value", line, genes[j])
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, nil, counts.InvalidInputf("line %d, gene %s: %q is not a number", line, genes[j], field)
			}
			if v != 0 {
				indices = append(indices, j)
				data = append(data, v)
			}
		}
		indptr = append(indptr, len(data))
	}
	if len(cells) == 0 {
		return nil, nil, nil, counts.InvalidInputf("table has no cells")
	}

	m, err := counts.NewCSR(len(cells), len(genes), indptr, indices, data)
	if err != nil {
		return nil, nil, nil, err
	}
	return m, genes, cells, nil
}
