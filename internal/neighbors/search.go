package neighbors

import (
	"container/heap"
	"context"
	"math"
	"runtime"
	"sort"
	"strings"

	"github.com/atlasmap-sc/triku/internal/counts"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Supported distance metrics.
const (
	MetricCosine      = "cosine"
	MetricEuclidean   = "euclidean"
	MetricManhattan   = "manhattan"
	MetricCorrelation = "correlation"
)

type distanceFunc func(a, b []float64) float64

func metricFunc(name string) (distanceFunc, bool, error) {
	switch strings.ToLower(name) {
	case MetricCosine, "":
		return cosineDistance, false, nil
	case MetricEuclidean:
		return func(a, b []float64) float64 { return floats.Distance(a, b, 2) }, false, nil
	case MetricManhattan:
		return func(a, b []float64) float64 { return floats.Distance(a, b, 1) }, false, nil
	case MetricCorrelation:
		// Correlation is the cosine distance of row-centered vectors.
		return cosineDistance, true, nil
	default:
		return nil, false, counts.Configurationf("unsupported metric %q", name)
	}
}

func cosineDistance(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		if na == nb {
			return 0
		}
		return 1
	}
	return 1 - floats.Dot(a, b)/(na*nb)
}

// candidate is a cell at distance d from the query cell. Candidates are
// ordered by distance, then by lower cell index.
type candidate struct {
	j int
	d float64
}

func (c candidate) closer(o candidate) bool {
	if c.d != o.d {
		return c.d < o.d
	}
	return c.j < o.j
}

// nearest keeps the k closest candidates seen so far, farthest on top.
type nearest []candidate

func (h nearest) Len() int           { return len(h) }
func (h nearest) Less(a, b int) bool { return h[b].closer(h[a]) }
func (h nearest) Swap(a, b int)      { h[a], h[b] = h[b], h[a] }

func (h *nearest) Push(x any) { *h = append(*h, x.(candidate)) }

func (h *nearest) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// offer adds c when fewer than k candidates are held or c beats the farthest.
func (h *nearest) offer(c candidate, k int) {
	if h.Len() < k {
		heap.Push(h, c)
		return
	}
	if c.closer((*h)[0]) {
		(*h)[0] = c
		heap.Fix(h, 0)
	}
}

// Search finds the k nearest cells of every row of points under the named
// metric. The search is exact and ties are broken by lower cell index, so
// the result is deterministic. Rows are split across workers goroutines.
func Search(ctx context.Context, points *mat.Dense, k int, metric string, workers int) (*Index, error) {
	n, _ := points.Dims()
	if err := checkK(n, k); err != nil {
		return nil, err
	}
	dist, center, err := metricFunc(metric)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	rows := make([][]float64, n)
	for i := range rows {
		r := append([]float64(nil), points.RawRowView(i)...)
		if center {
			mu := floats.Sum(r) / float64(len(r))
			floats.AddConst(-mu, r)
		}
		rows[i] = r
	}

	width := k + 1
	idx := make([]int, n*width)
	dists := make([]float64, n*width)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	chunk := (n + workers - 1) / workers
	for start := 0; start < n; start += chunk {
		start, end := start, start+chunk
		if end > n {
			end = n
		}
		g.Go(func() error {
			h := make(nearest, 0, k)
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				h = h[:0]
				for j := 0; j < n; j++ {
					if j == i {
						continue
					}
					d := dist(rows[i], rows[j])
					if math.IsNaN(d) {
						d = math.Inf(1)
					}
					h.offer(candidate{j: j, d: d}, k)
				}
				sort.Slice(h, func(a, b int) bool { return h[a].closer(h[b]) })

				off := i * width
				idx[off] = i
				for p, c := range h {
					idx[off+1+p] = c.j
					dists[off+1+p] = c.d
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	x, err := NewIndex(n, k, idx)
	if err != nil {
		return nil, err
	}
	x.Distances = dists
	return x, nil
}

// ValidateMetric reports whether name is a supported metric.
func ValidateMetric(name string) error {
	_, _, err := metricFunc(name)
	return err
}
