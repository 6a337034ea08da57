package service

import (
	"math"

	"github.com/montanaflynn/stats"
)

// SubtractMedian removes the mean-dependent trend from y. Genes are binned
// into nWindows equal-width windows of log10(mean) and each gene has the
// median of its window subtracted. Windows include both of their edges, so a
// gene sitting on a shared edge counts towards both medians and is adjusted
// by the later window.
func SubtractMedian(mean, y []float64, nWindows int) ([]float64, error) {
	if len(mean) != len(y) {
		return nil, errLengthMismatch("mean", len(mean), "distance", len(y))
	}
	out := append([]float64(nil), y...)
	if len(y) == 0 || nWindows < 1 {
		return out, nil
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range mean {
		if v <= 0 {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return out, nil
	}

	edges := make([]float64, nWindows+1)
	llo, lhi := math.Log10(lo), math.Log10(hi)
	for i := range edges {
		edges[i] = math.Pow(10, llo+(lhi-llo)*float64(i)/float64(nWindows))
	}
	// pin the outer edges so the extreme genes are never lost to rounding
	edges[0], edges[nWindows] = lo, hi

	medians := make([]float64, len(y))
	assigned := make([]bool, len(y))
	window := make([]float64, 0, len(y))
	members := make([]int, 0, len(y))
	for w := 0; w < nWindows; w++ {
		window, members = window[:0], members[:0]
		for g, v := range mean {
			if v >= edges[w] && v <= edges[w+1] {
				window = append(window, y[g])
				members = append(members, g)
			}
		}
		if len(window) == 0 {
			continue
		}
		med, err := stats.Median(window)
		if err != nil {
			return nil, err
		}
		for _, g := range members {
			medians[g] = med
			assigned[g] = true
		}
	}

	for g := range out {
		if assigned[g] {
			out[g] -= medians[g]
		}
	}
	return out, nil
}
