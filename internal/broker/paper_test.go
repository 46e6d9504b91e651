package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader/internal/errors"
	"spot-trader/internal/models"
)

type stubData struct {
	quote models.Quote
	rules models.TradingRules
}

func (s *stubData) GetCandles(_ context.Context, _, _ string, count int) (models.Series, error) {
	out := make(models.Series, count)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out, nil
}

func (s *stubData) GetBestBidAsk(context.Context, string) (models.Quote, error) {
	return s.quote, nil
}

func (s *stubData) GetTradingRules(context.Context, string) (models.TradingRules, error) {
	return s.rules, nil
}

func newPaper(data *stubData) *PaperBroker {
	return NewPaperBroker(PaperBrokerConfig{
		Data:         data,
		Symbol:       "BTCUSDT",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		InitialQuote: 1000,
	})
}

func TestPaperMakerFillsWhenPriceTradesThrough(t *testing.T) {
	data := &stubData{quote: models.Quote{Symbol: "BTCUSDT", Bid: 100, Ask: 100.01}}
	p := newPaper(data)
	ctx := context.Background()

	_, err := p.GetBestBidAsk(ctx, "BTCUSDT")
	require.NoError(t, err)

	ack, err := p.PlaceLimitMaker(ctx, "BTCUSDT", models.SideBuy, 99.99, 2, "EMA-BUY-000001")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, ack.Status)

	bal, _ := p.GetFreeBalances(ctx)
	assert.InDelta(t, 800.02, bal.Free("USDT"), 1e-9)
	assert.Zero(t, bal.Free("BTC"))

	// Ask still above the limit
	data.quote = models.Quote{Symbol: "BTCUSDT", Bid: 99.99, Ask: 100}
	_, _ = p.GetBestBidAsk(ctx, "BTCUSDT")
	bal, _ = p.GetFreeBalances(ctx)
	assert.Zero(t, bal.Free("BTC"))

	data.quote = models.Quote{Symbol: "BTCUSDT", Bid: 99.95, Ask: 99.98}
	_, _ = p.GetBestBidAsk(ctx, "BTCUSDT")
	bal, _ = p.GetFreeBalances(ctx)
	assert.Equal(t, 2.0, bal.Free("BTC"))

	_, err = p.CancelOrder(ctx, "BTCUSDT", "EMA-BUY-000001")
	assert.True(t, errors.Is(err, errors.ErrOrderNotFound))

	orders := p.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, StatusFilled, orders[0].Status)
}

func TestPaperMakerRejectsCrossingOrder(t *testing.T) {
	p := newPaper(&stubData{})
	p.UpdateQuote(models.Quote{Symbol: "BTCUSDT", Bid: 100, Ask: 100.01})

	_, err := p.PlaceLimitMaker(context.Background(), "BTCUSDT", models.SideBuy, 100.01, 1, "EMA-BUY-000002")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -2010, apiErr.Code)
}

func TestPaperInsufficientBalance(t *testing.T) {
	p := newPaper(&stubData{})
	p.UpdateQuote(models.Quote{Symbol: "BTCUSDT", Bid: 100, Ask: 100.01})

	_, err := p.PlaceLimitMaker(context.Background(), "BTCUSDT", models.SideBuy, 99, 20, "EMA-BUY-000003")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Message, "insufficient balance")
}

func TestPaperMarketRoundTrip(t *testing.T) {
	data := &stubData{quote: models.Quote{Symbol: "BTCUSDT", Bid: 100, Ask: 101}}
	p := newPaper(data)
	ctx := context.Background()

	// No quote cached yet: the market order fetches one
	ack, err := p.PlaceMarketOrder(ctx, "BTCUSDT", models.SideBuy, 1, "EMA-BUY-000004")
	require.NoError(t, err)
	assert.Equal(t, 101.0, ack.Price)

	ack, err = p.PlaceMarketOrder(ctx, "BTCUSDT", models.SideSell, 1, "EMA-SELL-000005")
	require.NoError(t, err)
	assert.Equal(t, 100.0, ack.Price)

	bal, _ := p.GetFreeBalances(ctx)
	assert.InDelta(t, 999.0, bal.Free("USDT"), 1e-9)
	assert.Zero(t, bal.Free("BTC"))

	_, err = p.PlaceMarketOrder(ctx, "BTCUSDT", models.SideSell, 1, "EMA-SELL-000006")
	assert.Error(t, err)

	_, err = p.PlaceMarketOrder(ctx, "BTCUSDT", models.SideBuy, 1, "EMA-BUY-000004")
	assert.Error(t, err, "duplicate client id")
}

func TestPaperRejectsOtherSymbol(t *testing.T) {
	p := newPaper(&stubData{})
	_, err := p.PlaceLimitMaker(context.Background(), "ETHUSDT", models.SideBuy, 1, 1, "EMA-BUY-000007")
	assert.True(t, errors.Is(err, errors.ErrSymbolNotFound))
}

func TestPaperDelegatesMarketData(t *testing.T) {
	rules := models.TradingRules{Symbol: "BTCUSDT", QuantityStep: 0.00001, PriceTick: 0.01, MinNotional: 5}
	p := newPaper(&stubData{rules: rules})
	ctx := context.Background()

	got, err := p.GetTradingRules(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, rules, got)

	closes, err := p.GetCandles(ctx, "BTCUSDT", "1m", 3)
	require.NoError(t, err)
	assert.Equal(t, models.Series{100, 101, 102}, closes)
	assert.True(t, p.IsPaperTrading())

	p.Reset(50, 1)
	bal, _ := p.GetFreeBalances(ctx)
	assert.Equal(t, 50.0, bal.Free("USDT"))
	assert.Equal(t, 1.0, bal.Free("BTC"))
}
