package indicators

import (
	"fmt"
)

// ATR approximates Average True Range from closes alone: the rolling mean of
// absolute close-to-close changes over the last period changes.
type ATR struct {
	period int
}

// NewATR creates a new close-based ATR indicator.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string {
	return fmt.Sprintf("ATR_%d", a.period)
}

func (a *ATR) Period() int {
	return a.period
}

func (a *ATR) MinLength() int {
	return a.period + 1
}

func (a *ATR) Calculate(closes []float64) ([]float64, error) {
	if a.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(closes) < a.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(closes)
	result := make([]float64, n)
	diffs := absDiffs(closes)

	for i := a.period; i < n; i++ {
		result[i] = mean(diffs[i-a.period+1 : i+1])
	}

	return result, nil
}
