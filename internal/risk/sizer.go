package risk

import (
	"math"

	"spot-trader/internal/errors"
)

// SizingMode selects how entry quantity is derived from capital.
type SizingMode string

const (
	// SizingNotional spends a fixed fraction of allocated capital.
	SizingNotional SizingMode = "notional"
	// SizingRisk risks a fixed fraction of allocated capital against an
	// ATR-based stop distance.
	SizingRisk SizingMode = "risk"
)

// SizerConfig is the immutable sizing configuration.
type SizerConfig struct {
	Mode             SizingMode
	PositionFraction float64 // notional mode
	CapitalCap       float64 // upper bound on capital used; <= 0 means uncapped
	RiskFraction     float64 // risk mode
	StopMultiple     float64 // risk mode, stop distance = StopMultiple * ATR
}

// Validate checks the configuration for the selected mode.
func (c SizerConfig) Validate() error {
	switch c.Mode {
	case SizingNotional:
		if c.PositionFraction <= 0 || c.PositionFraction > 1 {
			return errors.NewValidationError("position_fraction", c.PositionFraction, "must be in (0, 1]")
		}
	case SizingRisk:
		if c.RiskFraction <= 0 || c.RiskFraction > 1 {
			return errors.NewValidationError("risk_fraction", c.RiskFraction, "must be in (0, 1]")
		}
		if c.StopMultiple <= 0 {
			return errors.NewValidationError("stop_multiple", c.StopMultiple, "must be positive")
		}
	default:
		return errors.NewValidationError("sizing_mode", c.Mode, "must be notional or risk")
	}
	if c.CapitalCap < 0 {
		return errors.NewValidationError("capital_cap", c.CapitalCap, "must not be negative")
	}
	return nil
}

// Order is a sized, quantized, executable order.
type Order struct {
	Price    float64
	Quantity float64
	Notional float64
}

// Sizer converts available capital into an executable order.
type Sizer struct {
	cfg   SizerConfig
	quant *Quantizer
}

// NewSizer creates a Sizer.
func NewSizer(cfg SizerConfig, quant *Quantizer) (*Sizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if quant == nil {
		return nil, errors.NewValidationError("quantizer", nil, "required")
	}
	return &Sizer{cfg: cfg, quant: quant}, nil
}

// Quantizer returns the quantizer the sizer rounds with.
func (s *Sizer) Quantizer() *Quantizer {
	return s.quant
}

// Size returns the order for buying at price with the given available quote
// capital. atr is only used in risk mode. The result never has a notional
// below the exchange minimum: such trades fail with ErrBelowMinimumNotional.
// An order that would cost more than available fails with
// ErrInsufficientBalance.
func (s *Sizer) Size(available, price, atr float64) (Order, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return Order{}, errors.NewValidationError("price", price, "must be positive")
	}
	if available < 0 {
		available = 0
	}

	price = s.quant.Price(price)
	if price <= 0 {
		return Order{}, errors.NewValidationError("price", price, "below one tick")
	}

	capital := available
	if s.cfg.CapitalCap > 0 {
		capital = math.Min(available, s.cfg.CapitalCap)
	}

	var qty float64
	switch s.cfg.Mode {
	case SizingNotional:
		qty = capital * s.cfg.PositionFraction / price
	case SizingRisk:
		if atr <= 0 || math.IsNaN(atr) || math.IsInf(atr, 0) {
			return Order{}, errors.NewValidationError("atr", atr, "must be positive")
		}
		stopDistance := s.cfg.StopMultiple * atr
		qty = capital * s.cfg.RiskFraction / stopDistance
		// Never smaller than the minimum executable size.
		minQty := s.quant.CeilQuantity(s.quant.MinNotional() / price)
		qty = math.Max(qty, minQty)
	}

	qty = s.quant.Quantity(qty)
	notional := s.quant.Notional(price, qty)
	if !s.quant.MeetsMinimum(price, qty) {
		return Order{}, errors.NewRiskError("min_notional", notional, s.quant.MinNotional(), errors.ErrBelowMinimumNotional)
	}
	if notional > available {
		return Order{}, errors.NewRiskError("available_capital", notional, available, errors.ErrInsufficientBalance)
	}

	return Order{Price: price, Quantity: qty, Notional: notional}, nil
}

// StopDistance returns the risk-mode stop distance for the given ATR.
func (s *Sizer) StopDistance(atr float64) float64 {
	return s.cfg.StopMultiple * atr
}
