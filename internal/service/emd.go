package service

import (
	"math"

	"github.com/atlasmap-sc/triku/internal/cache"
)

// ScoreParams are the per-run constants the gene scorer needs.
type ScoreParams struct {
	NCells       int
	Draws        int // cells per neighborhood, own cell included
	MinKNN       int
	Granularity  int
	FFTThreshold int
	Memo         *cache.Manager
}

// GeneScore is the outcome of scoring one gene.
type GeneScore struct {
	Distance float64
	Null     NullDistribution
}

// Wasserstein returns the first Wasserstein distance between two weighted
// one-dimensional distributions. Values must be sorted ascending; weights
// need not be normalized.
func Wasserstein(uValues, vValues, uWeights, vWeights []float64) float64 {
	var uTotal, vTotal float64
	for _, w := range uWeights {
		uTotal += w
	}
	for _, w := range vWeights {
		vTotal += w
	}
	if uTotal == 0 || vTotal == 0 || len(uValues) == 0 || len(vValues) == 0 {
		return 0
	}

	var (
		i, j   int
		cu, cv float64
		dist   float64
		prev   = math.Min(uValues[0], vValues[0])
	)
	for i < len(uValues) || j < len(vValues) {
		x := math.Inf(1)
		if i < len(uValues) {
			x = uValues[i]
		}
		if j < len(vValues) && vValues[j] < x {
			x = vValues[j]
		}
		dist += math.Abs(cu/uTotal-cv/vTotal) * (x - prev)
		for i < len(uValues) && uValues[i] == x {
			cu += uWeights[i]
			i++
		}
		for j < len(vValues) && vValues[j] == x {
			cv += vWeights[j]
			j++
		}
		prev = x
	}
	return dist
}

// ScoreGene compares the neighborhood sums of the cells expressing a gene
// with the convolution null built from the gene's counts. countVals are the
// gene's non-zero counts and knnVals the neighborhood sums of the same
// cells. The distance is the Wasserstein distance divided by the null's
// standard deviation; genes expressed in no more than MinKNN cells score 0.
func ScoreGene(countVals, knnVals []float64, p ScoreParams) (GeneScore, error) {
	gran := float64(p.Granularity)

	scaled := make([]int, 0, len(countVals))
	var total int
	for _, v := range countVals {
		if s := int(v * gran); s > 0 {
			scaled = append(scaled, s)
			total += s
		}
	}
	zeros := p.NCells - len(scaled)

	knnScaled := make([]int, 0, len(knnVals))
	maxKNN := 0
	for _, v := range knnVals {
		if v <= 0 {
			continue
		}
		s := int(v * gran)
		knnScaled = append(knnScaled, s)
		if s > maxKNN {
			maxKNN = s
		}
	}
	knnHist := make([]float64, maxKNN+1)
	for _, s := range knnScaled {
		knnHist[s]++
	}

	if len(scaled) <= p.MinKNN {
		x := make([]float64, len(knnHist))
		for i := range x {
			x[i] = float64(i) / gran
		}
		return GeneScore{Distance: 0, Null: NullDistribution{X: x, Y: knnHist}}, nil
	}

	null, err := nullModel(countHistogram(scaled, zeros), p, total > p.FFTThreshold)
	if err != nil {
		return GeneScore{}, err
	}
	for i := range null.X {
		null.X[i] /= gran
	}

	support := make([]float64, len(knnHist))
	for i := range support {
		support[i] = float64(i) / gran
	}
	emd := Wasserstein(support, null.X, knnHist, null.Y)

	var mean float64
	for i, x := range null.X {
		mean += x * null.Y[i]
	}
	var variance float64
	for i, x := range null.X {
		d := x - mean
		variance += null.Y[i] * d * d
	}
	std := math.Sqrt(variance)
	if std == 0 {
		return GeneScore{Distance: 0, Null: null}, nil
	}
	return GeneScore{Distance: emd / std, Null: null}, nil
}

func nullModel(pmf []float64, p ScoreParams, useFFT bool) (NullDistribution, error) {
	if p.Memo == nil {
		return Convolve(pmf, p.Draws, useFFT)
	}
	key := cache.NullKey(pmf, p.Draws, useFFT)
	if y, ok := p.Memo.GetNull(key); ok {
		x := make([]float64, len(y))
		for i := range x {
			x[i] = float64(i)
		}
		return NullDistribution{X: x, Y: y}, nil
	}
	null, err := Convolve(pmf, p.Draws, useFFT)
	if err != nil {
		return NullDistribution{}, err
	}
	// Entries larger than a shard are dropped.
	_ = p.Memo.SetNull(key, null.Y)
	return null, nil
}
