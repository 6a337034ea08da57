package service

import (
	"fmt"
	"math/bits"

	"github.com/cwbudde/algo-dsp/dsp/conv"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// DefaultFFTThreshold is the total scaled count of a gene above which the
// null model is built with FFT convolution instead of direct convolution.
const DefaultFFTThreshold = 7000

// NullDistribution is a discrete distribution: Y[i] is the probability of
// observing X[i].
type NullDistribution struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// countHistogram turns the non-zero scaled counts of a gene plus the number of
// cells with a zero into a probability mass function over 0..max.
func countHistogram(nonzero []int, zeros int) []float64 {
	maxV := 0
	for _, v := range nonzero {
		if v > maxV {
			maxV = v
		}
	}
	hist := make([]float64, maxV+1)
	hist[0] = float64(zeros)
	for _, v := range nonzero {
		hist[v]++
	}
	floats.Scale(1/float64(len(nonzero)+zeros), hist)
	return hist
}

// Convolve builds the expected distribution of the summed counts of a
// neighborhood of draws cells, the first of which expresses the gene. pmf
// is the probability of each count across all cells. FFT convolution is used
// when useFFT is set.
func Convolve(pmf []float64, draws int, useFFT bool) (NullDistribution, error) {
	fold := convolveDirect
	if useFFT {
		fold = convolveFFT
	}

	first := append([]float64(nil), pmf...)
	first[0] = 0
	total := floats.Sum(first)
	if total == 0 || draws < 2 {
		return NullDistribution{X: []float64{0}, Y: []float64{1}}, nil
	}
	floats.Scale(1/total, first)

	acc, err := fold(first, pmf)
	if err != nil {
		return NullDistribution{}, err
	}
	for i := 2; i < draws; i++ {
		if acc, err = fold(acc, pmf); err != nil {
			return NullDistribution{}, err
		}
	}
	if s := floats.Sum(acc); s > 0 {
		floats.Scale(1/s, acc)
	}

	x := make([]float64, len(acc))
	for i := range x {
		x[i] = float64(i)
	}
	return NullDistribution{X: x, Y: acc}, nil
}

func convolveDirect(a, b []float64) ([]float64, error) {
	out, err := conv.Direct(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to convolve null model: %w", err)
	}
	return out, nil
}

// convolveFFT computes the full linear convolution through a zero-padded
// real FFT. Round-off negatives are clamped to zero.
func convolveFFT(a, b []float64) ([]float64, error) {
	n := len(a) + len(b) - 1
	size := 1 << bits.Len(uint(n-1))
	if size < 2 {
		size = 2
	}
	fft := fourier.NewFFT(size)

	pa := make([]float64, size)
	copy(pa, a)
	pb := make([]float64, size)
	copy(pb, b)

	ca := fft.Coefficients(nil, pa)
	cb := fft.Coefficients(nil, pb)
	for i := range ca {
		ca[i] *= cb[i]
	}
	seq := fft.Sequence(nil, ca)

	out := seq[:n]
	inv := 1 / float64(size)
	for i, v := range out {
		v *= inv
		if v < 0 {
			v = 0
		}
		out[i] = v
	}
	return out, nil
}
