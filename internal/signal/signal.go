// Package signal turns candle-close series into trend, entry and exit decisions.
//
// Evaluation is pure: the same series always yield the same Signal, and no
// wall clock or venue state is consulted.
package signal

import (
	"fmt"

	"spot-trader/internal/analysis/indicators"
	"spot-trader/internal/errors"
	"spot-trader/internal/models"
)

// Variant selects the entry rule set.
type Variant string

const (
	// VariantScalper enters on a fast EMA crossover with an RSI ceiling.
	VariantScalper Variant = "scalper"
	// VariantBreakout enters on a close above the recent high that is still
	// at or below the pullback EMA.
	VariantBreakout Variant = "breakout"
)

// Params configures an Evaluator. It is immutable once passed to NewEvaluator.
type Params struct {
	Variant Variant

	FastSpan  int // low-timeframe fast EMA (scalper entry, reversal exit)
	SlowSpan  int // low-timeframe slow EMA
	RSIPeriod int
	ATRPeriod int

	RSIUpper      float64 // entry requires RSI below this
	ReversalFloor float64 // reversal exit requires RSI above this

	// Higher-timeframe trend gate. With HTFFastSpan > 0 the gate is
	// EMA(fast) > EMA(slow); with HTFFastSpan == 0 it is last close > EMA(slow).
	HTFFastSpan int
	HTFSlowSpan int

	UseTrendGate    bool
	ExitOnTrendFlip bool
	ExitOnReversal  bool

	BreakoutLookback int     // closes before the current one forming the recent high
	BreakoutK        float64 // ATR multiple above the recent high
	PullbackSpan     int     // close must be at or below EMA(PullbackSpan)
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	switch p.Variant {
	case VariantScalper, VariantBreakout:
	default:
		return errors.NewValidationError("variant", p.Variant, "must be scalper or breakout")
	}
	if p.FastSpan <= 0 || p.SlowSpan <= 0 {
		return errors.NewValidationError("ema_spans", fmt.Sprintf("%d/%d", p.FastSpan, p.SlowSpan), "must be positive")
	}
	if p.FastSpan >= p.SlowSpan {
		return errors.NewValidationError("ema_spans", fmt.Sprintf("%d/%d", p.FastSpan, p.SlowSpan), "fast span must be shorter than slow span")
	}
	if p.RSIPeriod <= 0 {
		return errors.NewValidationError("rsi_period", p.RSIPeriod, "must be positive")
	}
	if p.ATRPeriod <= 0 {
		return errors.NewValidationError("atr_period", p.ATRPeriod, "must be positive")
	}
	if p.RSIUpper <= 0 || p.RSIUpper > 100 {
		return errors.NewValidationError("rsi_upper", p.RSIUpper, "must be in (0, 100]")
	}
	if p.ReversalFloor < 0 || p.ReversalFloor > 100 {
		return errors.NewValidationError("reversal_floor", p.ReversalFloor, "must be in [0, 100]")
	}
	if (p.UseTrendGate || p.ExitOnTrendFlip) && p.HTFSlowSpan <= 0 {
		return errors.NewValidationError("htf_slow_span", p.HTFSlowSpan, "required when the trend gate is used")
	}
	if p.HTFFastSpan < 0 || (p.HTFFastSpan > 0 && p.HTFFastSpan >= p.HTFSlowSpan) {
		return errors.NewValidationError("htf_fast_span", p.HTFFastSpan, "must be zero or shorter than htf_slow_span")
	}
	if p.Variant == VariantBreakout {
		if p.BreakoutLookback <= 0 {
			return errors.NewValidationError("breakout_lookback", p.BreakoutLookback, "must be positive")
		}
		if p.BreakoutK < 0 {
			return errors.NewValidationError("breakout_k", p.BreakoutK, "must not be negative")
		}
		if p.PullbackSpan <= 0 {
			return errors.NewValidationError("pullback_span", p.PullbackSpan, "must be positive")
		}
	}
	return nil
}

// Levels are the protective levels of an open position, used for the
// price-cross exit conditions.
type Levels struct {
	Stop   float64
	Target float64
}

// Input is everything one evaluation needs.
type Input struct {
	Low  models.Series // low-timeframe closes, required
	High models.Series // higher-timeframe closes, required only with a trend gate
	Open *Levels       // nil while no position is open
}

// Signal is the derived, never-persisted result of one evaluation.
type Signal struct {
	TrendOK bool
	EntryOK bool
	ExitOK  bool
	ATR     float64

	Price      float64 // last low-timeframe close
	EntryPrice float64 // breakout trigger price; zero for the scalper
	FastEMA    float64
	SlowEMA    float64
	RSI        float64
	HTFFast    float64
	HTFSlow    float64
	ExitReason string
}

// Exit reasons reported in Signal.ExitReason.
const (
	ExitStop      = "stop"
	ExitTarget    = "target"
	ExitReversal  = "reversal"
	ExitTrendFlip = "trend_flip"
)

// Evaluator computes signals for one strategy configuration.
type Evaluator struct {
	params Params
}

// NewEvaluator validates params and returns an Evaluator.
func NewEvaluator(params Params) (*Evaluator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{params: params}, nil
}

// Params returns the evaluator configuration.
func (e *Evaluator) Params() Params {
	return e.params
}

// MinHistory returns the minimum number of low- and higher-timeframe closes
// Evaluate accepts.
func (e *Evaluator) MinHistory() (low, high int) {
	p := e.params
	low = maxInt(p.SlowSpan, p.ATRPeriod, p.RSIPeriod) + 1
	if p.Variant == VariantBreakout {
		low = maxInt(low, p.PullbackSpan+1, p.BreakoutLookback+1)
	}
	if p.UseTrendGate || p.ExitOnTrendFlip {
		high = maxInt(p.HTFSlowSpan, p.HTFFastSpan) + 1
	}
	return low, high
}

// Evaluate computes the signal for the given input. It fails only with
// ErrInsufficientHistory (wrapped in a DataError) on short series.
func (e *Evaluator) Evaluate(in Input) (Signal, error) {
	p := e.params
	minLow, minHigh := e.MinHistory()
	if len(in.Low) < minLow {
		return Signal{}, errors.NewDataError("candles", "low", fmt.Sprintf("have %d closes, need %d", len(in.Low), minLow), errors.ErrInsufficientHistory)
	}
	if minHigh > 0 && len(in.High) < minHigh {
		return Signal{}, errors.NewDataError("candles", "high", fmt.Sprintf("have %d closes, need %d", len(in.High), minHigh), errors.ErrInsufficientHistory)
	}

	closes := []float64(in.Low)
	sig := Signal{Price: in.Low.Last()}

	fast, err := lastOf(indicators.NewEMA(p.FastSpan), closes)
	if err != nil {
		return Signal{}, err
	}
	slow, err := lastOf(indicators.NewEMA(p.SlowSpan), closes)
	if err != nil {
		return Signal{}, err
	}
	rsi, err := lastOf(indicators.NewRSI(p.RSIPeriod), closes)
	if err != nil {
		return Signal{}, err
	}
	atr, err := lastOf(indicators.NewATR(p.ATRPeriod), closes)
	if err != nil {
		return Signal{}, err
	}
	sig.FastEMA, sig.SlowEMA, sig.RSI, sig.ATR = fast, slow, rsi, atr

	sig.TrendOK = true
	if minHigh > 0 {
		trend, err := e.trend(in.High, &sig)
		if err != nil {
			return Signal{}, err
		}
		if p.UseTrendGate {
			sig.TrendOK = trend
		}
		if p.ExitOnTrendFlip && !trend {
			sig.ExitReason = ExitTrendFlip
		}
	}

	switch p.Variant {
	case VariantScalper:
		sig.EntryOK = sig.TrendOK && fast > slow && rsi < p.RSIUpper
	case VariantBreakout:
		entry, trigger, err := e.breakout(closes, atr)
		if err != nil {
			return Signal{}, err
		}
		sig.EntryOK = sig.TrendOK && entry
		sig.EntryPrice = trigger
	}

	sig.ExitOK = e.exit(in.Open, &sig)
	return sig, nil
}

// trend evaluates the higher-timeframe gate and records its EMAs.
func (e *Evaluator) trend(high models.Series, sig *Signal) (bool, error) {
	p := e.params
	htfSlow, err := lastOf(indicators.NewEMA(p.HTFSlowSpan), high)
	if err != nil {
		return false, err
	}
	sig.HTFSlow = htfSlow
	if p.HTFFastSpan == 0 {
		sig.HTFFast = high.Last()
		return high.Last() > htfSlow, nil
	}
	htfFast, err := lastOf(indicators.NewEMA(p.HTFFastSpan), high)
	if err != nil {
		return false, err
	}
	sig.HTFFast = htfFast
	return htfFast > htfSlow, nil
}

// breakout reports whether the last close breaks the recent high by K*ATR
// while sitting at or below the pullback EMA. The trigger price is the
// last close.
func (e *Evaluator) breakout(closes []float64, atr float64) (bool, float64, error) {
	p := e.params
	n := len(closes)
	price := closes[n-1]
	recentHigh := indicators.Highest(closes[n-1-p.BreakoutLookback : n-1])
	pullback, err := lastOf(indicators.NewEMA(p.PullbackSpan), closes)
	if err != nil {
		return false, 0, err
	}
	ok := price > recentHigh+p.BreakoutK*atr && price <= pullback
	return ok, price, nil
}

// exit ORs the configured exit conditions for an open position.
func (e *Evaluator) exit(open *Levels, sig *Signal) bool {
	if open == nil {
		sig.ExitReason = ""
		return false
	}
	switch {
	case sig.Price <= open.Stop:
		sig.ExitReason = ExitStop
	case open.Target > 0 && sig.Price >= open.Target:
		sig.ExitReason = ExitTarget
	case e.params.ExitOnReversal && sig.FastEMA < sig.SlowEMA && sig.RSI > e.params.ReversalFloor:
		sig.ExitReason = ExitReversal
	}
	return sig.ExitReason != ""
}

func lastOf(ind indicators.Indicator, closes []float64) (float64, error) {
	values, err := ind.Calculate(closes)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientData) {
			return 0, errors.NewDataError("indicator", ind.Name(), "not enough closes", errors.ErrInsufficientHistory)
		}
		return 0, errors.Wrap(err, ind.Name())
	}
	return indicators.Last(values), nil
}

func maxInt(values ...int) int {
	m := 0
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}
