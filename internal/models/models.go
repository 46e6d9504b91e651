// Package models provides domain models for the trading application.
package models

import (
	"time"
)

// Side represents the side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER"
)

// Mode is the trading mode of the process.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// Series is an ordered sequence of candle closes, most recent last.
type Series []float64

// Last returns the most recent close, or 0 for an empty series.
func (s Series) Last() float64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// Quote represents the best bid and ask for a symbol.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Balances maps an asset to its free (available) quantity.
type Balances map[string]float64

// Free returns the free quantity for an asset, 0 when absent.
func (b Balances) Free(asset string) float64 {
	if b == nil {
		return 0
	}
	return b[asset]
}

// TradingRules are the exchange quantization constraints for a symbol.
// Fetched once per session and treated as immutable.
type TradingRules struct {
	Symbol       string
	QuantityStep float64
	PriceTick    float64
	MinNotional  float64
}

// Snapshot is the market view for a single loop iteration.
type Snapshot struct {
	Symbol   string
	Low      Series // low-timeframe closes
	High     Series // high-timeframe closes, may be empty
	Quote    Quote
	Balances Balances
	Time     time.Time
}

// Price returns the last low-timeframe close.
func (s Snapshot) Price() float64 {
	return s.Low.Last()
}
