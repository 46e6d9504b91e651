package broker

import (
	"context"

	"spot-trader/internal/errors"
	"spot-trader/internal/models"
	"spot-trader/internal/resilience"
)

// BreakerGateway guards every call of the wrapped gateway with a circuit
// breaker. While the circuit is open calls fail fast with
// resilience.ErrCircuitOpen and the loop skips the iteration.
type BreakerGateway struct {
	next Gateway
	cb   *resilience.CircuitBreaker
}

// NewBreakerGateway wraps next. An unknown-order answer to a cancel is a
// normal outcome and does not count as a failure.
func NewBreakerGateway(next Gateway, cfg resilience.CircuitBreakerConfig) *BreakerGateway {
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return !errors.Is(err, errors.ErrOrderNotFound)
		}
	}
	return &BreakerGateway{
		next: next,
		cb:   resilience.NewCircuitBreaker("gateway", cfg),
	}
}

// Breaker exposes the underlying circuit breaker.
func (g *BreakerGateway) Breaker() *resilience.CircuitBreaker {
	return g.cb
}

func (g *BreakerGateway) GetCandles(ctx context.Context, symbol, interval string, count int) (models.Series, error) {
	return resilience.ExecuteWithResult(g.cb, ctx, func(ctx context.Context) (models.Series, error) {
		return g.next.GetCandles(ctx, symbol, interval, count)
	})
}

func (g *BreakerGateway) GetBestBidAsk(ctx context.Context, symbol string) (models.Quote, error) {
	return resilience.ExecuteWithResult(g.cb, ctx, func(ctx context.Context) (models.Quote, error) {
		return g.next.GetBestBidAsk(ctx, symbol)
	})
}

func (g *BreakerGateway) GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error) {
	return resilience.ExecuteWithResult(g.cb, ctx, func(ctx context.Context) (models.TradingRules, error) {
		return g.next.GetTradingRules(ctx, symbol)
	})
}

func (g *BreakerGateway) GetFreeBalances(ctx context.Context) (models.Balances, error) {
	return resilience.ExecuteWithResult(g.cb, ctx, func(ctx context.Context) (models.Balances, error) {
		return g.next.GetFreeBalances(ctx)
	})
}

func (g *BreakerGateway) PlaceLimitMaker(ctx context.Context, symbol string, side models.Side, price, qty float64, clientID string) (*models.OrderAck, error) {
	return resilience.ExecuteWithResult(g.cb, ctx, func(ctx context.Context) (*models.OrderAck, error) {
		return g.next.PlaceLimitMaker(ctx, symbol, side, price, qty, clientID)
	})
}

func (g *BreakerGateway) CancelOrder(ctx context.Context, symbol, clientID string) (*models.OrderAck, error) {
	return resilience.ExecuteWithResult(g.cb, ctx, func(ctx context.Context) (*models.OrderAck, error) {
		return g.next.CancelOrder(ctx, symbol, clientID)
	})
}

func (g *BreakerGateway) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientID string) (*models.OrderAck, error) {
	return resilience.ExecuteWithResult(g.cb, ctx, func(ctx context.Context) (*models.OrderAck, error) {
		return g.next.PlaceMarketOrder(ctx, symbol, side, qty, clientID)
	})
}

var _ Gateway = (*BreakerGateway)(nil)
