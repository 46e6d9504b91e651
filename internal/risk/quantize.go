// Package risk sizes entries against exchange quantization rules and gates
// new risk with a daily drawdown governor.
package risk

import (
	"github.com/shopspring/decimal"

	"spot-trader/internal/errors"
	"spot-trader/internal/models"
)

// Quantizer floors prices and quantities onto the exchange grid.
// All arithmetic is decimal so grid values stay exact.
type Quantizer struct {
	step        decimal.Decimal
	tick        decimal.Decimal
	minNotional decimal.Decimal
}

// NewQuantizer builds a Quantizer from exchange trading rules.
func NewQuantizer(rules models.TradingRules) (*Quantizer, error) {
	if rules.QuantityStep <= 0 {
		return nil, errors.NewValidationError("quantity_step", rules.QuantityStep, "must be positive")
	}
	if rules.PriceTick <= 0 {
		return nil, errors.NewValidationError("price_tick", rules.PriceTick, "must be positive")
	}
	if rules.MinNotional < 0 {
		return nil, errors.NewValidationError("min_notional", rules.MinNotional, "must not be negative")
	}
	return &Quantizer{
		step:        decimal.NewFromFloat(rules.QuantityStep),
		tick:        decimal.NewFromFloat(rules.PriceTick),
		minNotional: decimal.NewFromFloat(rules.MinNotional),
	}, nil
}

// Price floors p to the price tick.
func (q *Quantizer) Price(p float64) float64 {
	return floorTo(p, q.tick).InexactFloat64()
}

// Quantity floors x to the quantity step.
func (q *Quantizer) Quantity(x float64) float64 {
	return floorTo(x, q.step).InexactFloat64()
}

// CeilQuantity rounds x up to the quantity step.
func (q *Quantizer) CeilQuantity(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return decimal.NewFromFloat(x).Div(q.step).Ceil().Mul(q.step).InexactFloat64()
}

// Tick returns one price tick.
func (q *Quantizer) Tick() float64 {
	return q.tick.InexactFloat64()
}

// MinNotional returns the exchange minimum order value.
func (q *Quantizer) MinNotional() float64 {
	return q.minNotional.InexactFloat64()
}

// Notional returns price * qty computed in decimal.
func (q *Quantizer) Notional(price, qty float64) float64 {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty)).InexactFloat64()
}

// MeetsMinimum reports whether price * qty reaches the minimum notional.
func (q *Quantizer) MeetsMinimum(price, qty float64) bool {
	if qty <= 0 || price <= 0 {
		return false
	}
	n := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty))
	return n.GreaterThanOrEqual(q.minNotional)
}

// FormatPrice renders a price with the tick's precision for the venue.
func (q *Quantizer) FormatPrice(p float64) string {
	return floorTo(p, q.tick).StringFixed(places(q.tick))
}

// FormatQuantity renders a quantity with the step's precision for the venue.
func (q *Quantizer) FormatQuantity(x float64) string {
	return floorTo(x, q.step).StringFixed(places(q.step))
}

func floorTo(x float64, unit decimal.Decimal) decimal.Decimal {
	if x <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(x).Div(unit).Floor().Mul(unit)
}

func places(unit decimal.Decimal) int32 {
	if e := unit.Exponent(); e < 0 {
		return -e
	}
	return 0
}
