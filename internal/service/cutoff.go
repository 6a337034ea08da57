package service

import (
	"math"
	"sort"
)

// CurveDiagnostics describes how an automatic cutoff was picked.
type CurveDiagnostics struct {
	Sorted    []float64 `json:"sorted"`
	Distances []float64 `json:"distances"`
	Threshold float64   `json:"threshold"`
	Index     int       `json:"index"`
}

// CutoffCurve picks the elbow of the ascending-sorted values of y. Every
// point is compared with the chord joining the first and last points; the
// squared distance to its projection on the chord is kept and the cutoff is
// the sorted value at the rightmost (s >= 0) or leftmost (s < 0) point whose
// distance reaches (1-|s|) times the largest one.
func CutoffCurve(y []float64, s float64) (float64, CurveDiagnostics) {
	sorted := append([]float64(nil), y...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return math.NaN(), CurveDiagnostics{Index: -1}
	}
	if n == 1 {
		return sorted[0], CurveDiagnostics{Sorted: sorted, Distances: []float64{0}}
	}

	b := sorted[0]
	m := (sorted[n-1] - sorted[0]) / float64(n-1)

	dist := make([]float64, n)
	maxD := 0.0
	for u, v := range sorted {
		fu := float64(u)
		xOpt := (fu - m*b + m*v) / (1 + m*m)
		yOpt := xOpt*m + b
		d := (xOpt-fu)*(xOpt-fu) + (yOpt-v)*(yOpt-v)
		dist[u] = d
		if d > maxD {
			maxD = d
		}
	}

	threshold := (1 - math.Abs(s)) * maxD
	idx := -1
	for u, d := range dist {
		if d < threshold {
			continue
		}
		if s < 0 {
			idx = u
			break
		}
		idx = u
	}

	return sorted[idx], CurveDiagnostics{Sorted: sorted, Distances: dist, Threshold: threshold, Index: idx}
}

// TopN marks exactly n genes with the largest values of y, ties going to the
// lower gene index, and returns the n-th largest value as the cutoff.
func TopN(y []float64, n int) ([]bool, float64) {
	selected := make([]bool, len(y))
	if len(y) == 0 || n <= 0 {
		return selected, math.Inf(1)
	}
	if n > len(y) {
		n = len(y)
	}

	order := make([]int, len(y))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return y[order[a]] > y[order[b]]
	})
	for _, g := range order[:n] {
		selected[g] = true
	}
	return selected, y[order[n-1]]
}

// SelectAbove marks the genes whose value is strictly greater than cutoff.
func SelectAbove(y []float64, cutoff float64) []bool {
	selected := make([]bool, len(y))
	for g, v := range y {
		selected[g] = v > cutoff
	}
	return selected
}
