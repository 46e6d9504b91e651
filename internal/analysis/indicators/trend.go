package indicators

import (
	"fmt"
)

// EMA calculates Exponential Moving Average.
//
// The recursion is seeded with the first close and runs over the whole
// series (alpha = 2/(span+1)), so every index carries a value. Longer
// histories converge on the same numbers as an SMA-seeded EMA.
type EMA struct {
	period int
}

// NewEMA creates a new EMA indicator for the given span.
func NewEMA(period int) *EMA {
	return &EMA{period: period}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA_%d", e.period)
}

func (e *EMA) Period() int {
	return e.period
}

func (e *EMA) MinLength() int {
	return e.period
}

func (e *EMA) Calculate(closes []float64) ([]float64, error) {
	if e.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(closes) < e.period {
		return nil, ErrInsufficientData
	}

	result := make([]float64, len(closes))
	alpha := 2.0 / float64(e.period+1)

	result[0] = closes[0]
	for i := 1; i < len(closes); i++ {
		result[i] = alpha*closes[i] + (1-alpha)*result[i-1]
	}

	return result, nil
}
