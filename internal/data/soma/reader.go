// Package soma reads a count matrix from a TileDB-SOMA experiment.
//
// Only what gene selection needs is supported:
//   - gene_id -> gene soma_joinid (from ms/<measurement>/var)
//   - the full sparse X (from ms/<measurement>/X/data)
package soma

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atlasmap-sc/triku/internal/counts"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = fmt.Errorf("%w: soma support is not enabled in this build (build with: go build -tags soma)", counts.ErrInvalidInput)
)

// DefaultMeasurement is the measurement read when none is configured.
const DefaultMeasurement = "RNA"

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	// If user points directly to experiment.soma
	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	// If user points to parent "soma/" dir
	return filepath.Join(p, "experiment.soma"), nil
}

func checkExperiment(somaPath string) (string, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return "", counts.InvalidInputf("%v", err)
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return "", counts.InvalidInputf("soma experiment not found at %s: %v", uri, statErr)
	}
	return uri, nil
}

// entry is one stored X value addressed by soma joinids.
type entry struct {
	cell, gene int64
	val        float32
}

// buildMatrix lays the X entries out as a cells x genes matrix. Genes are
// ordered by joinid; cell rows are joinids offset by cellMin so cells with no
// stored values still get a row.
func buildMatrix(geneMap map[string]int64, cellMin, cellMax int64, entries []entry) (*counts.CSR, []string, error) {
	if len(geneMap) == 0 {
		return nil, nil, counts.InvalidInputf("soma var has no genes")
	}
	if cellMax < cellMin {
		return nil, nil, counts.InvalidInputf("soma obs has no cells")
	}

	genes := make([]string, 0, len(geneMap))
	for g := range geneMap {
		genes = append(genes, g)
	}
	sort.Slice(genes, func(a, b int) bool { return geneMap[genes[a]] < geneMap[genes[b]] })
	col := make(map[int64]int, len(genes))
	for j, g := range genes {
		col[geneMap[g]] = j
	}

	nCells := int(cellMax - cellMin + 1)
	triplets := make([]counts.Triplet, 0, len(entries))
	for _, e := range entries {
		j, ok := col[e.gene]
		if !ok {
			return nil, nil, counts.InvalidInputf("X references gene joinid %d missing from var", e.gene)
		}
		if e.cell < cellMin || e.cell > cellMax {
			return nil, nil, counts.InvalidInputf("X references cell joinid %d outside obs [%d, %d]", e.cell, cellMin, cellMax)
		}
		triplets = append(triplets, counts.Triplet{Row: int(e.cell - cellMin), Col: j, Value: float64(e.val)})
	}

	m, err := counts.FromTriplets(nCells, len(genes), triplets)
	if err != nil {
		return nil, nil, err
	}
	return m, genes, nil
}
