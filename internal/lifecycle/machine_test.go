package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader/internal/errors"
	"spot-trader/internal/models"
	"spot-trader/internal/risk"
	"spot-trader/internal/signal"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	m      *Machine
	exec   *fakeExec
	store  *memStore
	ledger *memLedger
	clock  *fakeClock
}

func testRules() models.TradingRules {
	return models.TradingRules{Symbol: "BTCUSDT", QuantityStep: 0.00001, PriceTick: 0.01, MinNotional: 0.01}
}

func scalperConfig() Config {
	return Config{
		Tag:          "EMA",
		Symbol:       "BTCUSDT",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		EntryPricing: PriceBelowBid,
		TTL:          30 * time.Second,
		StopATR:      1,
		TargetATR:    2,
		CallTimeout:  time.Second,
	}
}

func breakoutConfig() Config {
	return Config{
		Tag:             "BRK",
		Symbol:          "BTCUSDT",
		BaseAsset:       "BTC",
		QuoteAsset:      "USDT",
		EntryPricing:    PriceSignal,
		TTL:             30 * time.Second,
		StopATR:         1.25,
		Target1R:        2,
		Target2R:        4,
		PartialFraction: 0.5,
	}
}

func newHarness(t *testing.T, cfg Config, sizing risk.SizerConfig) *harness {
	t.Helper()
	q, err := risk.NewQuantizer(testRules())
	require.NoError(t, err)
	sizer, err := risk.NewSizer(sizing, q)
	require.NoError(t, err)

	h := &harness{
		exec:   &fakeExec{fillPrice: 0},
		store:  newMemStore(),
		ledger: &memLedger{},
		clock:  &fakeClock{t: t0},
	}
	h.m, err = NewMachine(cfg, h.exec, sizer, h.store, h.ledger,
		WithClock(h.clock.Now),
		WithIDGenerator(&seqIDs{}),
	)
	require.NoError(t, err)
	require.NoError(t, h.m.Restore(context.Background()))
	return h
}

func notionalSizing() risk.SizerConfig {
	return risk.SizerConfig{Mode: risk.SizingNotional, PositionFraction: 0.2, CapitalCap: 30000}
}

func snapshot(price, bid float64, usdt, btc float64) models.Snapshot {
	return models.Snapshot{
		Symbol:   "BTCUSDT",
		Low:      models.Series{price},
		Quote:    models.Quote{Symbol: "BTCUSDT", Bid: bid, Ask: bid + 0.01},
		Balances: models.Balances{"USDT": usdt, "BTC": btc},
	}
}

func entrySignal(price, atr float64) signal.Signal {
	return signal.Signal{TrendOK: true, EntryOK: true, ATR: atr, Price: price}
}

func (h *harness) seed(t *testing.T, st State) {
	t.Helper()
	data, err := Encode(st)
	require.NoError(t, err)
	h.store.data[h.m.Config().Key()] = data
	require.NoError(t, h.m.Restore(context.Background()))
}

func TestFlatPlacesMakerOneTickBelowBid(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())

	out, err := h.m.Step(context.Background(), snapshot(100, 100, 50, 0.5), entrySignal(100, 1), true)
	require.NoError(t, err)

	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, ActionPlaceEntry, out.Action)
	assert.Equal(t, KindPendingEntry, h.m.State().Kind)
	assert.Nil(t, out.Ledger, "pending creation is never ledgered")
	assert.Empty(t, h.ledger.rows)

	c := h.exec.last()
	assert.Equal(t, "place", c.Op)
	assert.Equal(t, 99.99, c.Price)
	// 50 * 0.2 = 10 USDT at 99.99
	assert.Equal(t, 0.10001, c.Qty)

	p := h.m.State().Pending
	require.NotNil(t, p)
	assert.Equal(t, c.ClientID, p.ClientOrderID)
	assert.Equal(t, 0.5, p.BaselineBase)
	assert.Equal(t, t0.Add(30*time.Second), p.ExpiresAt)

	// Persisted copy matches memory.
	restored, err := Decode(h.store.data["EMA_BTCUSDT"])
	require.NoError(t, err)
	assert.Equal(t, KindPendingEntry, restored.Kind)
	assert.Equal(t, p.ClientOrderID, restored.Pending.ClientOrderID)
}

func TestFlatSkipsAndHalts(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	ctx := context.Background()
	snap := snapshot(100, 100, 50, 0)

	out, err := h.m.Step(ctx, snap, entrySignal(100, 1), false)
	require.NoError(t, err)
	assert.Equal(t, StatusHalt, out.Status)
	assert.Equal(t, ReasonGovernorHalt, out.Reason)

	sig := entrySignal(100, 1)
	sig.TrendOK = false
	out, err = h.m.Step(ctx, snap, sig, true)
	require.NoError(t, err)
	assert.Equal(t, StatusSkip, out.Status)
	assert.Equal(t, ReasonTrendGate, out.Reason)

	sig = entrySignal(100, 1)
	sig.EntryOK = false
	out, err = h.m.Step(ctx, snap, sig, true)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoEntrySignal, out.Reason)

	// 0.00004 USDT * 0.2 is below the minimum notional.
	out, err = h.m.Step(ctx, snapshot(100, 100, 0.00004, 0), entrySignal(100, 1), true)
	require.NoError(t, err)
	assert.Equal(t, StatusSkip, out.Status)
	assert.Equal(t, ReasonBelowMinimum, out.Reason)

	assert.Equal(t, 0, h.exec.count("place"))
	assert.Equal(t, KindFlat, h.m.State().Kind)
}

func TestFlatSkipsWhenRiskSizeExceedsBalance(t *testing.T) {
	h := newHarness(t, scalperConfig(), risk.SizerConfig{Mode: risk.SizingRisk, RiskFraction: 0.005, StopMultiple: 1})

	// 50 * 0.005 / 0.01 = 25 units at ~100 costs far more than 50 USDT.
	out, err := h.m.Step(context.Background(), snapshot(100, 100, 50, 0), entrySignal(100, 0.01), true)
	require.NoError(t, err)
	assert.Equal(t, StatusSkip, out.Status)
	assert.Equal(t, ReasonInsufficient, out.Reason)
	assert.Equal(t, 0, h.exec.count("place"))
	assert.Equal(t, KindFlat, h.m.State().Kind)
}

func TestPendingExpiresAfterTTL(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	ctx := context.Background()

	_, err := h.m.Step(ctx, snapshot(100, 100, 50, 0.5), entrySignal(100, 1), true)
	require.NoError(t, err)
	cid := h.m.State().Pending.ClientOrderID

	// Still inside the TTL and no fill.
	h.clock.Advance(29 * time.Second)
	out, err := h.m.Step(ctx, snapshot(100, 100, 40, 0.5), entrySignal(100, 1), true)
	require.NoError(t, err)
	assert.Equal(t, ReasonAwaitingFill, out.Reason)
	assert.Equal(t, 0, h.exec.count("cancel"))

	h.clock.t = t0.Add(31 * time.Second)
	out, err = h.m.Step(ctx, snapshot(100, 100, 40, 0.5), entrySignal(100, 1), true)
	require.NoError(t, err)

	assert.Equal(t, ActionCancelEntry, out.Action)
	assert.Equal(t, KindFlat, h.m.State().Kind)
	assert.Equal(t, 1, h.exec.count("cancel"))
	assert.Equal(t, cid, h.exec.last().ClientID)

	require.Len(t, h.ledger.rows, 1)
	row := h.ledger.rows[0]
	assert.Equal(t, models.ActionCancel, row.Action)
	assert.Zero(t, row.Quantity)
	assert.Zero(t, row.RealizedPnL)
}

func TestPendingFillAt99PercentOpensWithFilledQuantity(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	h.seed(t, NewPending(PendingEntry{
		ClientOrderID: "EMA-BUY-abc123",
		LimitPrice:    30000,
		TargetQty:     0.001,
		BaselineBase:  0.5,
		PlacedAt:      t0,
		ExpiresAt:     t0.Add(30 * time.Second),
	}))

	h.clock.Advance(10 * time.Second)
	out, err := h.m.Step(context.Background(), snapshot(30010, 30009, 1000, 0.50099), entrySignal(30010, 20), true)
	require.NoError(t, err)

	assert.Equal(t, ActionConfirmFill, out.Action)
	st := h.m.State()
	require.Equal(t, KindOpen, st.Kind)
	assert.Equal(t, 0.00099, st.Open.Quantity)
	assert.Equal(t, 30000.0, st.Open.EntryPrice)
	assert.Equal(t, 29980.0, st.Open.StopPrice)
	assert.Equal(t, 30040.0, st.Open.Target2)
	assert.False(t, st.Open.TwoTarget())

	require.Len(t, h.ledger.rows, 1)
	assert.Equal(t, models.ActionBuy, h.ledger.rows[0].Action)
	assert.Equal(t, 0.00099, h.ledger.rows[0].Quantity)
	assert.Equal(t, 0, h.exec.count("cancel"))
}

func TestPendingBelowThresholdKeepsWaiting(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	h.seed(t, NewPending(PendingEntry{
		ClientOrderID: "EMA-BUY-abc123",
		LimitPrice:    30000,
		TargetQty:     0.001,
		BaselineBase:  0.5,
		PlacedAt:      t0,
		ExpiresAt:     t0.Add(30 * time.Second),
	}))

	out, err := h.m.Step(context.Background(), snapshot(30010, 30009, 1000, 0.50098), entrySignal(30010, 20), true)
	require.NoError(t, err)
	assert.Equal(t, ReasonAwaitingFill, out.Reason)
	assert.Equal(t, KindPendingEntry, h.m.State().Kind)
}

func TestExpiredOrderGoneOnVenueFallsThroughToFill(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	h.exec.cancelErr = errors.NewExecutionError("cancel_order", "BTCUSDT", "EMA-BUY-abc123", errors.ErrOrderNotFound)
	h.seed(t, NewPending(PendingEntry{
		ClientOrderID: "EMA-BUY-abc123",
		LimitPrice:    30000,
		TargetQty:     0.001,
		BaselineBase:  0,
		PlacedAt:      t0,
		ExpiresAt:     t0.Add(30 * time.Second),
	}))
	h.clock.Advance(31 * time.Second)

	out, err := h.m.Step(context.Background(), snapshot(30010, 30009, 1000, 0.001), entrySignal(30010, 20), true)
	require.NoError(t, err)
	assert.Equal(t, ActionConfirmFill, out.Action)
	assert.Equal(t, KindOpen, h.m.State().Kind)
}

func TestPartialExitAtFirstTarget(t *testing.T) {
	h := newHarness(t, breakoutConfig(), risk.SizerConfig{Mode: risk.SizingRisk, RiskFraction: 0.005, StopMultiple: 1.25})
	h.exec.balances = models.Balances{"USDT": 1000.104, "BTC": 0.001}
	h.seed(t, NewOpen(OpenPosition{
		EntryPrice: 100,
		Quantity:   0.002,
		StopPrice:  98,
		Target1:    104,
		Target2:    108,
		EntryTime:  t0,
	}))

	sig := signal.Signal{TrendOK: true, Price: 104, ATR: 1.6}
	out, err := h.m.Step(context.Background(), snapshot(104, 103.99, 1000, 0.002), sig, true)
	require.NoError(t, err)

	assert.Equal(t, ActionPartialExit, out.Action)
	st := h.m.State()
	require.Equal(t, KindOpen, st.Kind)
	assert.True(t, st.Open.PartialExitTaken)
	assert.Equal(t, 0.001, st.Open.Quantity)
	assert.Equal(t, 98.0, st.Open.StopPrice, "stop stays at the original level")

	c := h.exec.last()
	assert.Equal(t, "market", c.Op)
	assert.Equal(t, models.SideSell, c.Side)
	assert.Equal(t, 0.001, c.Qty)

	require.Len(t, h.ledger.rows, 1)
	row := h.ledger.rows[0]
	assert.Equal(t, models.ActionPartialExit, row.Action)
	assert.Equal(t, 0.001, row.Quantity)
	assert.InDelta(t, 0.004, row.RealizedPnL, 1e-12)
	assert.Equal(t, 1000.104, row.QuoteBalance)

	// A second tick at the same price does not sell again.
	out, err = h.m.Step(context.Background(), snapshot(104, 103.99, 1000, 0.001), sig, true)
	require.NoError(t, err)
	assert.Equal(t, ReasonHolding, out.Reason)
	assert.Equal(t, 1, h.exec.count("market"))
}

func TestResidualExitsAtStopAfterPartial(t *testing.T) {
	h := newHarness(t, breakoutConfig(), risk.SizerConfig{Mode: risk.SizingRisk, RiskFraction: 0.005, StopMultiple: 1.25})
	h.exec.balErr = errors.ErrConnectionFailed
	h.exec.fillPrice = 97.5
	h.seed(t, NewOpen(OpenPosition{
		EntryPrice:       100,
		Quantity:         0.001,
		StopPrice:        98,
		Target1:          104,
		Target2:          108,
		PartialExitTaken: true,
		EntryTime:        t0,
	}))

	sig := signal.Signal{TrendOK: true, Price: 97.9, ATR: 1.6}
	out, err := h.m.Step(context.Background(), snapshot(97.9, 97.89, 1000, 0.001), sig, true)
	require.NoError(t, err)

	assert.Equal(t, ActionExit, out.Action)
	assert.Equal(t, signal.ExitStop, out.Reason)
	assert.Equal(t, KindFlat, h.m.State().Kind)

	require.Len(t, h.ledger.rows, 1)
	row := h.ledger.rows[0]
	assert.Equal(t, models.ActionExit, row.Action)
	assert.Equal(t, 97.5, row.Price)
	assert.InDelta(t, -0.0025, row.RealizedPnL, 1e-12)
	// Balance query failed: estimate from the snapshot.
	assert.InDelta(t, 1000.0975, row.QuoteBalance, 1e-9)
	assert.Zero(t, row.BaseBalance)
}

func TestExitOnSignalDuringHalt(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	h.seed(t, NewOpen(OpenPosition{EntryPrice: 100, Quantity: 0.1, StopPrice: 99, Target2: 102, EntryTime: t0}))

	sig := signal.Signal{Price: 100.5, ExitOK: true, ExitReason: signal.ExitReversal}
	out, err := h.m.Step(context.Background(), snapshot(100.5, 100.49, 0, 0.1), sig, false)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, ActionExit, out.Action)
	assert.Equal(t, signal.ExitReversal, out.Reason)
	assert.Equal(t, KindFlat, h.m.State().Kind)
}

func TestExecutionFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	h.exec.placeErr = errors.ErrConnectionFailed

	_, err := h.m.Step(context.Background(), snapshot(100, 100, 50, 0), entrySignal(100, 1), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExecutionFailure))
	assert.True(t, errors.Is(err, errors.ErrConnectionFailed))
	assert.Equal(t, KindFlat, h.m.State().Kind)
	assert.Zero(t, h.store.saves)

	h.seed(t, NewOpen(OpenPosition{EntryPrice: 100, Quantity: 0.1, StopPrice: 99, Target2: 102, EntryTime: t0}))
	h.exec.marketErr = errors.ErrConnectionFailed
	_, err = h.m.Step(context.Background(), snapshot(98, 97.99, 0, 0.1), signal.Signal{Price: 98}, true)
	assert.True(t, errors.Is(err, errors.ErrExecutionFailure))
	assert.Equal(t, KindOpen, h.m.State().Kind)
	assert.Empty(t, h.ledger.rows)
}

func TestPersistenceFailureIsLoudAndRetried(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	h.store.saveErr = errors.ErrDatabaseError

	out, err := h.m.Step(context.Background(), snapshot(100, 100, 50, 0), entrySignal(100, 1), true)
	var perr *errors.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "state", perr.Target)
	// The order is resting on the venue: memory reflects it.
	assert.Equal(t, ActionPlaceEntry, out.Action)
	assert.Equal(t, KindPendingEntry, h.m.State().Kind)
	assert.True(t, h.m.Unsaved())

	// Still failing: no new venue action is taken.
	_, err = h.m.Step(context.Background(), snapshot(100, 100, 50, 0), entrySignal(100, 1), true)
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 1, h.exec.count("place"))

	h.store.saveErr = nil
	_, err = h.m.Step(context.Background(), snapshot(100, 100, 50, 0), entrySignal(100, 1), true)
	require.NoError(t, err)
	assert.False(t, h.m.Unsaved())
	restored, err := Decode(h.store.data["EMA_BTCUSDT"])
	require.NoError(t, err)
	assert.Equal(t, KindPendingEntry, restored.Kind)
}

func TestStopStillSellsWhilePersistenceFails(t *testing.T) {
	h := newHarness(t, breakoutConfig(), risk.SizerConfig{Mode: risk.SizingRisk, RiskFraction: 0.005, StopMultiple: 1.25})
	h.seed(t, NewOpen(OpenPosition{
		EntryPrice: 100,
		Quantity:   0.002,
		StopPrice:  98,
		Target1:    104,
		Target2:    108,
		EntryTime:  t0,
	}))
	h.store.saveErr = errors.ErrDatabaseError
	var perr *errors.PersistenceError

	out, err := h.m.Step(context.Background(), snapshot(104, 103.99, 1000, 0.002), signal.Signal{Price: 104}, true)
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ActionPartialExit, out.Action)
	assert.Equal(t, 1, h.exec.count("market"))

	// The write is still failing, but the stop must not wait for it.
	crash := signal.Signal{Price: 90, ExitOK: true, ExitReason: signal.ExitReversal}
	out, err = h.m.Step(context.Background(), snapshot(90, 89.99, 1000, 0.001), crash, true)
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ActionExit, out.Action)
	assert.Equal(t, signal.ExitStop, out.Reason)
	assert.Equal(t, KindFlat, h.m.State().Kind)
	require.Equal(t, 2, h.exec.count("market"))
	assert.Equal(t, 0.001, h.exec.last().Qty)

	// Flat with an outstanding write: nothing else is sent to the venue.
	out, err = h.m.Step(context.Background(), snapshot(90, 89.99, 1000, 0), crash, true)
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ReasonPersistPending, out.Reason)
	assert.Equal(t, 2, h.exec.count("market"))
	assert.Empty(t, h.ledger.rows)

	h.store.saveErr = nil
	_, err = h.m.Step(context.Background(), snapshot(90, 89.99, 1000, 0), signal.Signal{Price: 90}, true)
	require.NoError(t, err)
	require.Len(t, h.ledger.rows, 2)
	assert.Equal(t, models.ActionPartialExit, h.ledger.rows[0].Action)
	assert.Equal(t, models.ActionExit, h.ledger.rows[1].Action)
	restored, err := Decode(h.store.data["BRK_BTCUSDT"])
	require.NoError(t, err)
	assert.Equal(t, KindFlat, restored.Kind)
}

func TestLedgerFailureRetriedOnNextStep(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	h.seed(t, NewOpen(OpenPosition{EntryPrice: 100, Quantity: 0.1, StopPrice: 99, Target2: 102, EntryTime: t0}))
	h.ledger.appendErr = errors.ErrDatabaseError

	_, err := h.m.Step(context.Background(), snapshot(103, 102.99, 0, 0.1), signal.Signal{Price: 103}, true)
	var perr *errors.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "ledger", perr.Target)
	assert.Equal(t, KindFlat, h.m.State().Kind)

	h.ledger.appendErr = nil
	_, err = h.m.Step(context.Background(), snapshot(103, 102.99, 10, 0), signal.Signal{Price: 103}, true)
	require.NoError(t, err)
	require.Len(t, h.ledger.rows, 1)
	assert.Equal(t, models.ActionExit, h.ledger.rows[0].Action)
}

func TestCancelPendingOnShutdown(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	_, err := h.m.Step(context.Background(), snapshot(100, 100, 50, 0), entrySignal(100, 1), true)
	require.NoError(t, err)

	out, err := h.m.CancelPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionCancelEntry, out.Action)
	assert.Equal(t, KindFlat, h.m.State().Kind)
	assert.Equal(t, 1, h.exec.count("cancel"))

	out, err = h.m.CancelPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionNone, out.Action)
	assert.Equal(t, 1, h.exec.count("cancel"))
}

func TestRestoreRejectsMalformedState(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	h.store.data["EMA_BTCUSDT"] = []byte(`{"version":1,"kind":"OPEN"}`)
	err := h.m.Restore(context.Background())
	assert.True(t, errors.Is(err, errors.ErrInvalidState))

	h.store.data["EMA_BTCUSDT"] = []byte(`not json`)
	err = h.m.Restore(context.Background())
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
}

func TestLevelsForEvaluator(t *testing.T) {
	h := newHarness(t, scalperConfig(), notionalSizing())
	assert.Nil(t, h.m.Levels())

	h.seed(t, NewOpen(OpenPosition{EntryPrice: 100, Quantity: 0.1, StopPrice: 99, Target2: 102, EntryTime: t0}))
	assert.Equal(t, &signal.Levels{Stop: 99, Target: 102}, h.m.Levels())
}

func TestTaggedIDs(t *testing.T) {
	id := TaggedIDs{Tag: "BRK"}.NewID("BUY")
	assert.Regexp(t, `^BRK-BUY-[0-9a-f]{6}$`, id)
	assert.NotEqual(t, id, TaggedIDs{Tag: "BRK"}.NewID("BUY"))
}
