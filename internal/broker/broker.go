// Package broker provides execution gateway interfaces and implementations.
package broker

import (
	"context"

	"spot-trader/internal/models"
)

// Gateway defines the exchange operations the trading loop depends on.
type Gateway interface {
	// Market Data
	GetCandles(ctx context.Context, symbol, interval string, count int) (models.Series, error)
	GetBestBidAsk(ctx context.Context, symbol string) (models.Quote, error)
	GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error)

	// Account
	GetFreeBalances(ctx context.Context) (models.Balances, error)

	// Orders
	PlaceLimitMaker(ctx context.Context, symbol string, side models.Side, price, qty float64, clientID string) (*models.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientID string) (*models.OrderAck, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientID string) (*models.OrderAck, error)
}

// MarketData is the read-only subset of Gateway used as a price source by
// the paper broker.
type MarketData interface {
	GetCandles(ctx context.Context, symbol, interval string, count int) (models.Series, error)
	GetBestBidAsk(ctx context.Context, symbol string) (models.Quote, error)
	GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error)
}

// Order statuses reported in acknowledgements.
const (
	StatusNew      = "NEW"
	StatusFilled   = "FILLED"
	StatusCanceled = "CANCELED"
)
