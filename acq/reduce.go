package acq

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PairSums adds consecutive raw semi-period samples, reduced[i] = raw[2i] + raw[2i+1]
func PairSums(raw []uint32) ([]float64, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: %d raw samples is not a whole number of periods", ErrConfiguration, len(raw))
	}
	out := make([]float64, len(raw)/2)
	for i := range out {
		out[i] = float64(raw[2*i]) + float64(raw[2*i+1])
	}
	return out, nil
}

// Reduce converts raw semi-period samples to counts per second at a sample
// rate of freqHz
func Reduce(raw []uint32, freqHz float64) ([]float64, error) {
	sums, err := PairSums(raw)
	if err != nil {
		return nil, err
	}
	floats.Scale(freqHz, sums)
	return sums, nil
}

// Reducer collapses a group of sub-samples into one value
type Reducer func([]float64) float64

// ReduceMean is the arithmetic mean
func ReduceMean(x []float64) float64 {
	return stat.Mean(x, nil)
}

// ReduceMedian is the median, the mean of the middle two for even lengths
func ReduceMedian(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m]
	}
	return (s[m-1] + s[m]) / 2
}

// Differential computes the lock-in contrast of interleaved (low, high) sums.
// Each pair yields (high-low)/low, or 0 when low is 0, and every k consecutive
// pairs are collapsed by r into one sample.  A nil r is ReduceMean.
func Differential(sums []float64, k int, r Reducer) ([]float64, error) {
	if k < 1 {
		return nil, configErr("oversampling %d must be at least 1", k)
	}
	if len(sums)%(2*k) != 0 {
		return nil, configErr("%d sums do not divide into groups of %d pairs", len(sums), k)
	}
	if r == nil {
		r = ReduceMean
	}
	contrast := make([]float64, len(sums)/2)
	for i := range contrast {
		low, high := sums[2*i], sums[2*i+1]
		if low != 0 {
			contrast[i] = (high - low) / low
		}
	}
	out := make([]float64, len(contrast)/k)
	for i := range out {
		out[i] = r(contrast[i*k : (i+1)*k])
	}
	return out, nil
}
