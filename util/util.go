// Package util contains misc internal utilities.
package util

import (
	"fmt"
	"time"
)

// Limiter describes a closed interval [Min, Max]
type Limiter struct {
	Min float64 `json:"min" yaml:"min" koanf:"min"`
	Max float64 `json:"max" yaml:"max" koanf:"max"`
}

// Check returns true if f is within the limits
func (l Limiter) Check(f float64) bool {
	return f >= l.Min && f <= l.Max
}

// Span is Max-Min
func (l Limiter) Span() float64 {
	return l.Max - l.Min
}

// Valid returns an error if the interval is empty or degenerate
func (l Limiter) Valid() error {
	if !(l.Min < l.Max) {
		return fmt.Errorf("limits min=%g max=%g: min must be less than max", l.Min, l.Max)
	}
	return nil
}

func (l Limiter) String() string {
	return fmt.Sprintf("[%g, %g]", l.Min, l.Max)
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// Linspace returns n evenly spaced values from start to end, inclusive.
// n == 1 returns []float64{start}.
func Linspace(start, end float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = end
	return out
}
