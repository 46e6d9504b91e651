package config

import (
	"strings"

	"spot-trader/internal/lifecycle"
	"spot-trader/internal/logging"
	"spot-trader/internal/resilience"
	"spot-trader/internal/risk"
	"spot-trader/internal/signal"
)

// Built-in strategy presets.
const (
	PresetScalper  = "scalper"
	PresetBreakout = "breakout"
)

// presetDefaults returns the viper defaults of a preset, keyed by dotted path.
func presetDefaults(name string) (map[string]interface{}, error) {
	switch name {
	case PresetScalper, "":
		// EMA-RSI scalper: 1m entries while the 15m EMA-9 is above EMA-21.
		return map[string]interface{}{
			"strategy.tag":                "EMA",
			"strategy.low_interval":       "1m",
			"strategy.high_interval":      "15m",
			"strategy.low_candles":        50,
			"strategy.high_candles":       60,
			"strategy.fast_span":          3,
			"strategy.slow_span":          8,
			"strategy.rsi_period":         14,
			"strategy.atr_period":         14,
			"strategy.rsi_upper":          65.0,
			"strategy.reversal_floor":     40.0,
			"strategy.htf_fast_span":      9,
			"strategy.htf_slow_span":      21,
			"strategy.use_trend_gate":     true,
			"strategy.exit_on_trend_flip": true,
			"strategy.exit_on_reversal":   true,
			"strategy.entry_pricing":      string(lifecycle.PriceBelowBid),
			"strategy.ttl":                "30s",
			"strategy.stop_atr":           1.0,
			"strategy.target_atr":         2.0,

			"risk.sizing_mode":        string(risk.SizingNotional),
			"risk.position_fraction":  0.20,
			"risk.capital_cap":        30000.0,
			"risk.drawdown_fraction":  0.03,
			"risk.drawdown_reference": string(risk.ReferenceFixed),
			"risk.reference_capital":  30000.0,
		}, nil
	case PresetBreakout:
		// ATR breakout: longs only above the 4h EMA-200, entry on a pullback
		// after a break of the recent high, 2R/4R targets.
		return map[string]interface{}{
			"strategy.tag":                "BRK",
			"strategy.low_interval":       "1m",
			"strategy.high_interval":      "4h",
			"strategy.low_candles":        50,
			"strategy.high_candles":       201,
			"strategy.fast_span":          3,
			"strategy.slow_span":          8,
			"strategy.rsi_period":         14,
			"strategy.atr_period":         14,
			"strategy.rsi_upper":          100.0,
			"strategy.reversal_floor":     40.0,
			"strategy.htf_fast_span":      0,
			"strategy.htf_slow_span":      200,
			"strategy.use_trend_gate":     true,
			"strategy.exit_on_trend_flip": true,
			"strategy.exit_on_reversal":   false,
			"strategy.breakout_lookback":  3,
			"strategy.breakout_k":         0.25,
			"strategy.pullback_span":      8,
			"strategy.entry_pricing":      string(lifecycle.PriceSignal),
			"strategy.ttl":                "60s",
			"strategy.stop_atr":           1.25,
			"strategy.target1_r":          2.0,
			"strategy.target2_r":          4.0,
			"strategy.partial_fraction":   0.5,

			"risk.sizing_mode":        string(risk.SizingRisk),
			"risk.risk_fraction":      0.005,
			"risk.capital_cap":        30000.0,
			"risk.drawdown_fraction":  0.03,
			"risk.drawdown_reference": string(risk.ReferenceBalance),
			"risk.reference_capital":  30000.0,
		}, nil
	default:
		return nil, invalid("trading.strategy", name, "must be one of "+strings.Join(Presets(), ", "))
	}
}

// Variant returns the signal variant of the configured preset.
func (c *Config) Variant() signal.Variant {
	if c.Trading.Strategy == PresetBreakout {
		return signal.VariantBreakout
	}
	return signal.VariantScalper
}

// SignalParams builds the evaluator parameters.
func (c *Config) SignalParams() signal.Params {
	s := c.Strategy
	return signal.Params{
		Variant:          c.Variant(),
		FastSpan:         s.FastSpan,
		SlowSpan:         s.SlowSpan,
		RSIPeriod:        s.RSIPeriod,
		ATRPeriod:        s.ATRPeriod,
		RSIUpper:         s.RSIUpper,
		ReversalFloor:    s.ReversalFloor,
		HTFFastSpan:      s.HTFFastSpan,
		HTFSlowSpan:      s.HTFSlowSpan,
		UseTrendGate:     s.UseTrendGate,
		ExitOnTrendFlip:  s.ExitOnTrendFlip,
		ExitOnReversal:   s.ExitOnReversal,
		BreakoutLookback: s.BreakoutLookback,
		BreakoutK:        s.BreakoutK,
		PullbackSpan:     s.PullbackSpan,
	}
}

// MachineConfig builds the order lifecycle configuration.
func (c *Config) MachineConfig() lifecycle.Config {
	s := c.Strategy
	return lifecycle.Config{
		Tag:             s.Tag,
		Symbol:          c.Trading.Symbol,
		BaseAsset:       c.Trading.BaseAsset,
		QuoteAsset:      c.Trading.QuoteAsset,
		EntryPricing:    lifecycle.EntryPricing(s.EntryPricing),
		TTL:             s.TTL,
		StopATR:         s.StopATR,
		TargetATR:       s.TargetATR,
		Target1R:        s.Target1R,
		Target2R:        s.Target2R,
		PartialFraction: s.PartialFraction,
		CallTimeout:     c.Trading.CallTimeout,
	}
}

// SizerConfig builds the risk sizer configuration. In risk mode the stop
// distance matches the lifecycle stop.
func (c *Config) SizerConfig() risk.SizerConfig {
	return risk.SizerConfig{
		Mode:             risk.SizingMode(c.Risk.SizingMode),
		PositionFraction: c.Risk.PositionFraction,
		CapitalCap:       c.Risk.CapitalCap,
		RiskFraction:     c.Risk.RiskFraction,
		StopMultiple:     c.Strategy.StopATR,
	}
}

// GovernorConfig builds the daily drawdown governor configuration.
func (c *Config) GovernorConfig() risk.GovernorConfig {
	return risk.GovernorConfig{
		DrawdownFraction: c.Risk.DrawdownFraction,
		ReferenceMode:    risk.ReferenceMode(c.Risk.DrawdownReference),
		ReferenceCapital: c.Risk.ReferenceCapital,
	}
}

// BreakerSettings builds the gateway circuit breaker configuration.
func (c *Config) BreakerSettings() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		Timeout:          c.Breaker.Timeout,
	}
}

// LogConfig builds the logger configuration.
func (c *Config) LogConfig() logging.LogConfig {
	l := c.Logging
	return logging.LogConfig{
		Level:      l.Level,
		Console:    l.Console,
		File:       l.File,
		FilePath:   l.FilePath,
		MaxSize:    l.MaxSize,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAge,
	}
}

// Presets lists the built-in preset names.
func Presets() []string {
	return []string{PresetScalper, PresetBreakout}
}

