package neighbors

import (
	"sort"

	"github.com/atlasmap-sc/triku/internal/counts"
)

// Connectivities is a previously computed cell x cell affinity matrix together
// with the neighbor count it was built with.
type Connectivities struct {
	Affinities *counts.CSR
	NNeighbors int
}

// Source is implemented by inputs that carry a precomputed neighbor graph.
// PrecomputedNeighbors returns nil, nil when the input has none.
type Source interface {
	PrecomputedNeighbors() (*Connectivities, error)
}

// FromConnectivities keeps, for each cell, the NNeighbors cells with the
// highest affinity and prepends the cell itself. Ties are broken by lower
// cell index. Rows with fewer stored affinities than NNeighbors are padded
// with the lowest-index cells not yet listed.
func FromConnectivities(c *Connectivities) (*Index, error) {
	if c == nil || c.Affinities == nil {
		return nil, counts.InvalidInputf("no connectivities supplied")
	}
	rows, cols := c.Affinities.Dims()
	if rows != cols {
		return nil, counts.InvalidInputf("connectivities must be square, got %dx%d", rows, cols)
	}
	k := c.NNeighbors
	if err := checkK(rows, k); err != nil {
		return nil, err
	}

	type cand struct {
		j int
		w float64
	}
	width := k + 1
	idx := make([]int, rows*width)
	cands := make([]cand, 0, k*2)
	used := make(map[int]struct{}, width)

	for i := 0; i < rows; i++ {
		cands = cands[:0]
		js, ws := c.Affinities.Row(i)
		for p, j := range js {
			if j == i {
				continue
			}
			cands = append(cands, cand{j: j, w: ws[p]})
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].w != cands[b].w {
				return cands[a].w > cands[b].w
			}
			return cands[a].j < cands[b].j
		})

		row := idx[i*width : (i+1)*width]
		row[0] = i
		for key := range used {
			delete(used, key)
		}
		used[i] = struct{}{}
		n := 1
		for _, cd := range cands {
			if n == width {
				break
			}
			row[n] = cd.j
			used[cd.j] = struct{}{}
			n++
		}
		for j := 0; n < width && j < rows; j++ {
			if _, ok := used[j]; ok {
				continue
			}
			row[n] = j
			used[j] = struct{}{}
			n++
		}
	}

	return NewIndex(rows, k, idx)
}
