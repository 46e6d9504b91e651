package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader/internal/broker"
	"spot-trader/internal/errors"
	"spot-trader/internal/lifecycle"
	"spot-trader/internal/models"
	"spot-trader/internal/notify"
	"spot-trader/internal/observability"
	"spot-trader/internal/resilience"
	"spot-trader/internal/risk"
	"spot-trader/internal/signal"
	"spot-trader/internal/store"
	"spot-trader/pkg/utils"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// feed is a scripted market data source.
type feed struct {
	mu     sync.Mutex
	series map[string]models.Series
	quote  models.Quote
	err    error
	calls  int
}

func (f *feed) GetCandles(ctx context.Context, symbol, interval string, count int) (models.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	s := f.series[interval]
	if len(s) > count {
		s = s[len(s)-count:]
	}
	return append(models.Series(nil), s...), nil
}

func (f *feed) GetBestBidAsk(ctx context.Context, symbol string) (models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return models.Quote{}, err
	}
	return f.quote, nil
}

func (f *feed) GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error) {
	return models.TradingRules{Symbol: symbol, QuantityStep: 0.00001, PriceTick: 0.01, MinNotional: 10}, nil
}

func (f *feed) set(low models.Series, bid, ask float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.series["1m"] = low
	f.quote = models.Quote{Symbol: "BTCUSDT", Bid: bid, Ask: ask}
}

type recorder struct {
	mu        sync.Mutex
	ledger    []models.LedgerEntry
	halts     int
	errs      int
	summaries []*notify.DailySummary
}

func (r *recorder) Send(context.Context, notify.Notification) error { return nil }

func (r *recorder) SendLedger(_ context.Context, e models.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledger = append(r.ledger, e)
	return nil
}

func (r *recorder) SendHalt(context.Context, string, string, risk.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halts++
	return nil
}

func (r *recorder) SendDailySummary(_ context.Context, s *notify.DailySummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

func (r *recorder) SendError(context.Context, error, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs++
	return nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func ramp(start, step float64, n int) models.Series {
	s := make(models.Series, n)
	for i := range s {
		s[i] = start + step*float64(i)
	}
	return s
}

// entrySeries falls for 40 closes and recovers for 6: EMA3 above EMA8 with
// RSI well under 65 and an ATR of 1.
func entrySeries() models.Series {
	return append(ramp(200, -1, 40), ramp(162, 1, 6)...)
}

func testConfig() Config {
	return Config{
		Machine: lifecycle.Config{
			Tag:          "EMA",
			Symbol:       "BTCUSDT",
			BaseAsset:    "BTC",
			QuoteAsset:   "USDT",
			EntryPricing: lifecycle.PriceBelowBid,
			TTL:          30 * time.Second,
			StopATR:      1,
			TargetATR:    2,
			CallTimeout:  time.Second,
		},
		Signal: signal.Params{
			Variant:         signal.VariantScalper,
			FastSpan:        3,
			SlowSpan:        8,
			RSIPeriod:       14,
			ATRPeriod:       14,
			RSIUpper:        65,
			ReversalFloor:   40,
			HTFFastSpan:     9,
			HTFSlowSpan:     21,
			UseTrendGate:    true,
			ExitOnTrendFlip: true,
			ExitOnReversal:  true,
		},
		Sizer:        risk.SizerConfig{Mode: risk.SizingNotional, PositionFraction: 0.2, CapitalCap: 30000},
		Governor:     risk.GovernorConfig{DrawdownFraction: 0.03, ReferenceMode: risk.ReferenceFixed, ReferenceCapital: 30000},
		LowInterval:  "1m",
		HighInterval: "15m",
		LowCandles:   50,
		HighCandles:  60,
		PollInterval: time.Hour,
		StartupRetry: utils.RetryConfig{MaxAttempts: 1},
	}
}

type fixture struct {
	runner  *Runner
	feed    *feed
	paper   *broker.PaperBroker
	db      *store.SQLiteStore
	notes   *recorder
	clock   *clock
	metrics *observability.Metrics
}

func newFixture(t *testing.T, wrap func(broker.Gateway) broker.Gateway) *fixture {
	t.Helper()

	f := &fixture{
		feed: &feed{series: map[string]models.Series{
			"1m":  entrySeries(),
			"15m": ramp(100, 1, 30),
		}, quote: models.Quote{Symbol: "BTCUSDT", Bid: 167, Ask: 167.01}},
		notes:   &recorder{},
		clock:   &clock{t: t0},
		metrics: observability.NewMetrics("test", prometheus.NewRegistry()),
	}
	f.paper = broker.NewPaperBroker(broker.PaperBrokerConfig{
		Data:         f.feed,
		Symbol:       "BTCUSDT",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		InitialQuote: 1000,
	})

	var err error
	f.db, err = store.NewSQLiteStore(filepath.Join(t.TempDir(), "trader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { f.db.Close() })

	var gw broker.Gateway = f.paper
	if wrap != nil {
		gw = wrap(gw)
	}
	f.runner, err = New(context.Background(), testConfig(), Deps{
		Gateway:  gw,
		Store:    f.db,
		Ledger:   f.db,
		Metrics:  f.metrics,
		Notifier: f.notes,
		Logger:   zerolog.Nop(),
		Clock:    f.clock.Now,
	})
	require.NoError(t, err)
	return f
}

func TestRunnerPaperRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Entry rests one tick under the bid.
	out, err := f.runner.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionPlaceEntry, out.Action)
	assert.Equal(t, lifecycle.KindPendingEntry, f.runner.Machine().State().Kind)
	orders := f.paper.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, 166.99, orders[0].Price)
	assert.Equal(t, 1.19767, orders[0].Quantity)

	// The ask trades through the limit: the paper venue fills it.
	f.clock.Advance(5 * time.Second)
	f.feed.set(entrySeries(), 166.9, 166.95)
	out, err = f.runner.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionConfirmFill, out.Action)
	st := f.runner.Machine().State()
	require.Equal(t, lifecycle.KindOpen, st.Kind)
	assert.Equal(t, 166.99, st.Open.EntryPrice)
	assert.InDelta(t, 168.99, st.Open.Target2, 1e-9)

	// Price reaches the target: market exit.
	f.clock.Advance(5 * time.Second)
	f.feed.set(append(entrySeries(), 170), 169.5, 169.51)
	out, err = f.runner.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionExit, out.Action)
	assert.Equal(t, signal.ExitTarget, out.Reason)
	assert.Equal(t, lifecycle.KindFlat, f.runner.Machine().State().Kind)

	rows, err := f.db.Entries(ctx, "EMA", "BTCUSDT", t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.ActionBuy, rows[0].Action)
	assert.Equal(t, models.ActionExit, rows[1].Action)
	assert.InDelta(t, (169.5-166.99)*1.19767, rows[1].RealizedPnL, 1e-6)
	assert.Zero(t, rows[1].BaseBalance)

	require.Len(t, f.notes.ledger, 2)
	assert.Equal(t, models.ActionExit, f.notes.ledger[1].Action)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersTotal.WithLabelValues("EMA", string(lifecycle.ActionPlaceEntry))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersTotal.WithLabelValues("EMA", string(lifecycle.ActionExit))))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.IterationsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.PositionState.WithLabelValues("EMA", "BTCUSDT")))
	// The governor runs before the exit of the same iteration.
	assert.Zero(t, testutil.ToFloat64(f.metrics.RealizedToday.WithLabelValues("EMA", "BTCUSDT")))
}

func TestRunnerCancelsStaleEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.runner.Iterate(ctx)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	out, err := f.runner.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionCancelEntry, out.Action)
	assert.Equal(t, lifecycle.ReasonStale, out.Reason)
	assert.Equal(t, lifecycle.KindFlat, f.runner.Machine().State().Kind)

	bal, err := f.paper.GetFreeBalances(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000, bal.Free("USDT"), 1e-9)
}

func TestRunnerRestoresPersistedState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.runner.Iterate(ctx)
	require.NoError(t, err)
	cid := f.runner.Machine().State().Pending.ClientOrderID

	again, err := New(ctx, testConfig(), Deps{
		Gateway: f.paper,
		Store:   f.db,
		Ledger:  f.db,
		Logger:  zerolog.Nop(),
		Clock:   f.clock.Now,
	})
	require.NoError(t, err)
	st := again.Machine().State()
	require.Equal(t, lifecycle.KindPendingEntry, st.Kind)
	assert.Equal(t, cid, st.Pending.ClientOrderID)
}

func TestRunnerSkipsShortHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.set(ramp(100, 1, 10), 109, 109.01)

	out, err := f.runner.Iterate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusSkip, out.Status)
	assert.Equal(t, "insufficient_history", out.Reason)
	assert.Empty(t, f.paper.Orders())
}

func TestRunnerMarketDataFailure(t *testing.T) {
	var breaker *broker.BreakerGateway
	f := newFixture(t, func(gw broker.Gateway) broker.Gateway {
		breaker = broker.NewBreakerGateway(gw, resilience.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
		return breaker
	})
	f.runner.breaker = breaker.Breaker()
	f.feed.err = fmt.Errorf("connection reset")

	out, err := f.runner.Iterate(context.Background())
	require.Error(t, err)
	assert.Equal(t, lifecycle.StatusSkip, out.Status)
	assert.Equal(t, "market_data", classify(err))
	assert.Equal(t, lifecycle.KindFlat, f.runner.Machine().State().Kind)

	// The breaker is now open; the next iteration fails fast.
	calls := f.feed.calls
	_, err = f.runner.Iterate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, "breaker_open", classify(err))
	assert.Equal(t, calls, f.feed.calls)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IterationErrors.WithLabelValues("market_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IterationErrors.WithLabelValues("breaker_open")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.BreakerState))
	assert.Zero(t, f.notes.errs, "market data failures are not paged")
}

func TestRunnerGovernorHalt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.db.AppendLedger(ctx, models.LedgerEntry{
		Timestamp:   t0.Add(-time.Hour),
		Strategy:    "EMA",
		Symbol:      "BTCUSDT",
		Action:      models.ActionExit,
		Price:       100,
		Quantity:    1,
		RealizedPnL: -1000,
	}))

	out, err := f.runner.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusHalt, out.Status)
	assert.Empty(t, f.paper.Orders())

	_, err = f.runner.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.notes.halts, "a halt is notified once")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Halted.WithLabelValues("EMA", "BTCUSDT")))

	// A new UTC day lifts the halt and summarizes the previous one.
	f.clock.t = risk.NextDayOpen(t0).Add(time.Minute)
	out, err = f.runner.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionPlaceEntry, out.Action)

	require.Len(t, f.notes.summaries, 1)
	assert.Equal(t, "2024-05-01", f.notes.summaries[0].Date)
	assert.Equal(t, -1000.0, f.notes.summaries[0].TotalPnL)
	assert.True(t, f.notes.summaries[0].HaltTriggered)
}

func TestRunShutdownCancelsRestingEntry(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.runner.Iterate(context.Background())
	require.NoError(t, err)
	require.Equal(t, lifecycle.KindPendingEntry, f.runner.Machine().State().Kind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.runner.Run(ctx))

	assert.Equal(t, lifecycle.KindFlat, f.runner.Machine().State().Kind)
	rows, err := f.db.GetLedger(context.Background(), store.LedgerFilter{Strategy: "EMA", Action: models.ActionCancel})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "shutdown", rows[0].Reason)
}

func TestNewFailsWithoutRules(t *testing.T) {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "trader.db"))
	require.NoError(t, err)
	defer db.Close()

	paper := broker.NewPaperBroker(broker.PaperBrokerConfig{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"})
	_, err = New(context.Background(), testConfig(), Deps{Gateway: paper, Store: db, Ledger: db, Logger: zerolog.Nop()})
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "", classify(nil))
	assert.Equal(t, "persistence", classify(errors.NewPersistenceError("ledger", "EMA_BTCUSDT", fmt.Errorf("disk full"))))
	assert.Equal(t, "execution", classify(errors.NewExecutionError("cancel_order", "BTCUSDT", "x", fmt.Errorf("rejected"))))
	assert.Equal(t, "timeout", classify(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	transport := fmt.Errorf("%w: GET /api/v3/ticker/bookTicker: %w", errors.ErrConnectionFailed, context.DeadlineExceeded)
	assert.Equal(t, "timeout", classify(errors.NewDataError("quote", "BTCUSDT", "fetching quote", transport)))
	assert.Equal(t, "internal", classify(fmt.Errorf("other")))
}
