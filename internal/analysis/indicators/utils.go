// Package indicators provides close-series technical indicators: EMA, RSI and a
// close-to-close ATR proxy.
package indicators

import (
	"errors"
	"math"
)

var (
	// ErrInsufficientData is returned when there's not enough data for calculation.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
)

// Indicator defines the interface for single-value indicators over a close series.
type Indicator interface {
	Name() string
	Calculate(closes []float64) ([]float64, error)
	Period() int
	// MinLength is the shortest series Calculate accepts.
	MinLength() int
}

// Last returns the most recent value of an indicator output.
func Last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

// sum calculates the sum of a slice of float64.
func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// mean calculates the arithmetic mean of a slice of float64.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return sum(values) / float64(len(values))
}

// Highest returns the highest value in a slice.
func Highest(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	h := values[0]
	for _, v := range values[1:] {
		if v > h {
			h = v
		}
	}
	return h
}

// absDiffs returns |c[i] - c[i-1]| aligned to the index of the later sample.
// Index 0 is always zero.
func absDiffs(closes []float64) []float64 {
	diffs := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		diffs[i] = math.Abs(closes[i] - closes[i-1])
	}
	return diffs
}
