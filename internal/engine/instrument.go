package engine

import (
	"context"
	"time"

	"spot-trader/internal/broker"
	"spot-trader/internal/models"
	"spot-trader/internal/observability"
)

// instrumented records the latency of every gateway call, including the
// order calls the state machine makes.
type instrumented struct {
	next    broker.Gateway
	metrics *observability.Metrics
	now     func() time.Time
}

func (g *instrumented) observe(op string, start time.Time) {
	g.metrics.RecordExchangeCall(op, g.now().Sub(start))
}

func (g *instrumented) GetCandles(ctx context.Context, symbol, interval string, count int) (models.Series, error) {
	defer g.observe("klines", g.now())
	return g.next.GetCandles(ctx, symbol, interval, count)
}

func (g *instrumented) GetBestBidAsk(ctx context.Context, symbol string) (models.Quote, error) {
	defer g.observe("book_ticker", g.now())
	return g.next.GetBestBidAsk(ctx, symbol)
}

func (g *instrumented) GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error) {
	defer g.observe("exchange_info", g.now())
	return g.next.GetTradingRules(ctx, symbol)
}

func (g *instrumented) GetFreeBalances(ctx context.Context) (models.Balances, error) {
	defer g.observe("account", g.now())
	return g.next.GetFreeBalances(ctx)
}

func (g *instrumented) PlaceLimitMaker(ctx context.Context, symbol string, side models.Side, price, qty float64, clientID string) (*models.OrderAck, error) {
	defer g.observe("place_limit_maker", g.now())
	return g.next.PlaceLimitMaker(ctx, symbol, side, price, qty, clientID)
}

func (g *instrumented) CancelOrder(ctx context.Context, symbol, clientID string) (*models.OrderAck, error) {
	defer g.observe("cancel_order", g.now())
	return g.next.CancelOrder(ctx, symbol, clientID)
}

func (g *instrumented) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientID string) (*models.OrderAck, error) {
	defer g.observe("place_market_order", g.now())
	return g.next.PlaceMarketOrder(ctx, symbol, side, qty, clientID)
}

var _ broker.Gateway = (*instrumented)(nil)
