// Package engine drives the trading loop: one iteration per poll interval,
// each reading the market, evaluating the signal, consulting the daily
// governor and stepping the order lifecycle.
package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"spot-trader/internal/broker"
	"spot-trader/internal/errors"
	"spot-trader/internal/lifecycle"
	"spot-trader/internal/logging"
	"spot-trader/internal/models"
	"spot-trader/internal/notify"
	"spot-trader/internal/observability"
	"spot-trader/internal/resilience"
	"spot-trader/internal/risk"
	"spot-trader/internal/signal"
	"spot-trader/internal/store"
	"spot-trader/pkg/utils"
)

// Config is the immutable loop configuration.
type Config struct {
	Machine  lifecycle.Config
	Signal   signal.Params
	Sizer    risk.SizerConfig
	Governor risk.GovernorConfig

	LowInterval  string
	HighInterval string
	LowCandles   int
	HighCandles  int

	PollInterval time.Duration
	// StartupRetry bounds the trading rules fetch before the first
	// iteration. Loop iterations never retry.
	StartupRetry utils.RetryConfig
}

// Deps are the collaborators of a Runner. Gateway, Store and Ledger are
// required.
type Deps struct {
	Gateway  broker.Gateway
	Store    lifecycle.StateStore
	Ledger   store.Ledger
	Metrics  *observability.Metrics
	Notifier notify.Notifier
	Breaker  *resilience.CircuitBreaker
	Logger   zerolog.Logger
	Clock    func() time.Time
	IDs      lifecycle.IDGenerator
}

// Runner owns one strategy on one symbol.
type Runner struct {
	cfg      Config
	gw       broker.Gateway
	eval     *signal.Evaluator
	machine  *lifecycle.Machine
	governor *risk.Governor
	ledger   store.Ledger
	metrics  *observability.Metrics
	notifier notify.Notifier
	breaker  *resilience.CircuitBreaker
	logger   zerolog.Logger
	now      func() time.Time

	lowCount  int
	highCount int
	rules     models.TradingRules

	day       time.Time
	lastLimit float64
	halted    bool
}

// New fetches the trading rules, builds the state machine and restores the
// persisted position. It fails if the rules cannot be fetched or the stored
// state is unreadable.
func New(ctx context.Context, cfg Config, deps Deps) (*Runner, error) {
	if deps.Gateway == nil || deps.Store == nil || deps.Ledger == nil {
		return nil, errors.NewValidationError("engine", cfg.Machine.Key(), "gateway, store and ledger are required")
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.NewValidationError("poll_interval", cfg.PollInterval, "must be positive")
	}
	if cfg.LowInterval == "" {
		return nil, errors.NewValidationError("low_interval", cfg.LowInterval, "required")
	}

	r := &Runner{
		cfg:      cfg,
		ledger:   deps.Ledger,
		metrics:  deps.Metrics,
		notifier: deps.Notifier,
		breaker:  deps.Breaker,
		now:      deps.Clock,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.metrics == nil {
		r.metrics = observability.NewMetrics("", prometheus.NewRegistry())
	}
	if r.notifier == nil {
		r.notifier = notify.NewNoOpNotifier()
	}
	r.logger = logging.WithSymbol(logging.WithStrategy(deps.Logger, cfg.Machine.Tag), cfg.Machine.Symbol)
	r.gw = &instrumented{next: deps.Gateway, metrics: r.metrics, now: r.now}

	eval, err := signal.NewEvaluator(cfg.Signal)
	if err != nil {
		return nil, err
	}
	r.eval = eval

	minLow, minHigh := eval.MinHistory()
	r.lowCount = max(cfg.LowCandles, minLow)
	if minHigh > 0 {
		if cfg.HighInterval == "" {
			return nil, errors.NewValidationError("high_interval", cfg.HighInterval, "required with a trend gate")
		}
		r.highCount = max(cfg.HighCandles, minHigh)
	}

	rules, err := utils.RetryWithResult(ctx, cfg.StartupRetry, func() (models.TradingRules, error) {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		rules, err := r.gw.GetTradingRules(callCtx, cfg.Machine.Symbol)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Fetching trading rules failed")
		}
		return rules, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetch trading rules")
	}
	r.rules = rules

	quant, err := risk.NewQuantizer(rules)
	if err != nil {
		return nil, err
	}
	sizer, err := risk.NewSizer(cfg.Sizer, quant)
	if err != nil {
		return nil, err
	}

	opts := []lifecycle.Option{lifecycle.WithClock(r.now), lifecycle.WithLogger(deps.Logger)}
	if deps.IDs != nil {
		opts = append(opts, lifecycle.WithIDGenerator(deps.IDs))
	}
	r.machine, err = lifecycle.NewMachine(cfg.Machine, r.gw, sizer, deps.Store, deps.Ledger, opts...)
	if err != nil {
		return nil, err
	}
	r.governor, err = risk.NewGovernor(cfg.Governor, deps.Ledger, cfg.Machine.Tag, cfg.Machine.Symbol)
	if err != nil {
		return nil, err
	}

	if err := r.machine.Restore(ctx); err != nil {
		return nil, err
	}
	r.metrics.SetPosition(cfg.Machine.Tag, cfg.Machine.Symbol, positionCode(r.machine.State().Kind))

	r.logger.Info().
		Float64("tick", rules.PriceTick).
		Float64("step", rules.QuantityStep).
		Float64("min_notional", rules.MinNotional).
		Str("state", string(r.machine.State().Kind)).
		Msg("Runner ready")

	return r, nil
}

// Machine exposes the state machine.
func (r *Runner) Machine() *lifecycle.Machine {
	return r.machine
}

// Rules returns the trading rules fetched at startup.
func (r *Runner) Rules() models.TradingRules {
	return r.rules
}

// Run iterates until ctx is cancelled, then cancels any resting entry
// order. Iteration errors are logged and never end the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Str("low_interval", r.cfg.LowInterval).
		Str("high_interval", r.cfg.HighInterval).
		Msg("Trading loop started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-timer.C:
		}

		_, _ = r.Iterate(ctx)
		timer.Reset(r.cfg.PollInterval)
	}
}

// Iterate runs one loop iteration. The returned error has already been
// logged, counted and notified.
func (r *Runner) Iterate(ctx context.Context) (lifecycle.Outcome, error) {
	start := r.now()
	out, err := r.iterate(ctx, start)

	kind := classify(err)
	r.metrics.RecordIteration(r.now().Sub(start), kind, r.now())
	r.recordBreaker()
	if err != nil {
		r.report(ctx, kind, err)
	}
	return out, err
}

func (r *Runner) iterate(ctx context.Context, now time.Time) (lifecycle.Outcome, error) {
	tag, symbol := r.cfg.Machine.Tag, r.cfg.Machine.Symbol
	kind := r.machine.State().Kind

	r.rollDay(ctx, now)

	snap, err := r.snapshot(ctx, now)
	if err != nil {
		return lifecycle.Outcome{Status: lifecycle.StatusSkip, Reason: "market_data", From: kind, To: kind}, err
	}

	sig, err := r.eval.Evaluate(signal.Input{Low: snap.Low, High: snap.High, Open: r.machine.Levels()})
	if errors.Is(err, errors.ErrInsufficientHistory) {
		r.logger.Warn().Err(err).Int("low", len(snap.Low)).Int("high", len(snap.High)).Msg("Not enough candles, skipping")
		out := lifecycle.Outcome{Status: lifecycle.StatusSkip, Reason: "insufficient_history", Action: lifecycle.ActionNone, From: kind, To: kind}
		r.metrics.RecordOutcome(tag, string(out.Status), out.Reason, string(out.Action))
		return out, nil
	}
	if err != nil {
		return lifecycle.Outcome{Status: lifecycle.StatusSkip, Reason: "signal", From: kind, To: kind}, err
	}

	allow := r.checkGovernor(ctx, now, snap.Balances.Free(r.cfg.Machine.QuoteAsset))

	out, err := r.machine.Step(ctx, snap, sig, allow)
	r.metrics.RecordOutcome(tag, string(out.Status), out.Reason, string(out.Action))
	r.metrics.SetPosition(tag, symbol, positionCode(r.machine.State().Kind))
	if out.Ledger != nil {
		if nerr := r.notifier.SendLedger(ctx, *out.Ledger); nerr != nil {
			r.logger.Warn().Err(nerr).Msg("Trade notification failed")
		}
	}

	r.heartbeat(snap, sig, out)
	return out, err
}

// snapshot reads candles, the quote and balances, in that order. The quote
// precedes balances so a simulated venue can settle fills first.
func (r *Runner) snapshot(ctx context.Context, now time.Time) (models.Snapshot, error) {
	symbol := r.cfg.Machine.Symbol
	snap := models.Snapshot{Symbol: symbol, Time: now}

	var err error
	snap.Low, err = callWithTimeout(ctx, r, func(ctx context.Context) (models.Series, error) {
		return r.gw.GetCandles(ctx, symbol, r.cfg.LowInterval, r.lowCount)
	})
	if err != nil {
		return snap, errors.NewDataError("candles", symbol, r.cfg.LowInterval, err)
	}
	if r.highCount > 0 {
		snap.High, err = callWithTimeout(ctx, r, func(ctx context.Context) (models.Series, error) {
			return r.gw.GetCandles(ctx, symbol, r.cfg.HighInterval, r.highCount)
		})
		if err != nil {
			return snap, errors.NewDataError("candles", symbol, r.cfg.HighInterval, err)
		}
	}
	snap.Quote, err = callWithTimeout(ctx, r, func(ctx context.Context) (models.Quote, error) {
		return r.gw.GetBestBidAsk(ctx, symbol)
	})
	if err != nil {
		return snap, errors.NewDataError("quote", symbol, "book ticker", err)
	}
	snap.Balances, err = callWithTimeout(ctx, r, func(ctx context.Context) (models.Balances, error) {
		return r.gw.GetFreeBalances(ctx)
	})
	if err != nil {
		return snap, errors.NewDataError("balances", symbol, "account", err)
	}
	return snap, nil
}

// checkGovernor reports whether new entries are allowed. A ledger read
// failure blocks entries for the iteration; exits are unaffected.
func (r *Runner) checkGovernor(ctx context.Context, now time.Time, quote float64) bool {
	tag, symbol := r.cfg.Machine.Tag, r.cfg.Machine.Symbol

	status, err := r.governor.Check(ctx, now, quote)
	if err != nil {
		r.logger.Error().Err(err).Msg("Daily drawdown check failed, entries blocked")
		return false
	}
	r.lastLimit = status.Limit
	r.metrics.SetRisk(tag, symbol, status.RealizedPnL, status.Halted)

	if status.Halted && !r.halted {
		r.logger.Warn().
			Err(status.Err()).
			Float64("realized", status.RealizedPnL).
			Float64("limit", status.Limit).
			Msg("Daily drawdown limit reached, new entries halted")
		if err := r.notifier.SendHalt(ctx, tag, symbol, status); err != nil {
			r.logger.Warn().Err(err).Msg("Halt notification failed")
		}
	} else if !status.Halted && r.halted {
		r.logger.Info().Msg("Daily drawdown halt lifted")
	}
	r.halted = status.Halted
	return !status.Halted
}

// rollDay sends the summary of the previous UTC day once the date changes.
func (r *Runner) rollDay(ctx context.Context, now time.Time) {
	today := risk.DayOpen(now)
	prev := r.day
	r.day = today
	if prev.IsZero() || !today.After(prev) {
		return
	}

	tag, symbol := r.cfg.Machine.Tag, r.cfg.Machine.Symbol
	rows, err := r.ledger.Entries(ctx, tag, symbol, prev, prev.Add(24*time.Hour))
	if err != nil {
		r.logger.Warn().Err(err).Msg("Reading ledger for daily summary failed")
		return
	}
	summary := notify.Summarize(prev, tag, symbol, rows, r.lastLimit)
	r.logger.Info().
		Str("day", summary.Date).
		Int("exits", summary.Exits).
		Float64("pnl", summary.TotalPnL).
		Msg("Daily summary")
	if err := r.notifier.SendDailySummary(ctx, summary); err != nil {
		r.logger.Warn().Err(err).Msg("Summary notification failed")
	}
}

// heartbeat logs one line per completed iteration.
func (r *Runner) heartbeat(snap models.Snapshot, sig signal.Signal, out lifecycle.Outcome) {
	ev := r.logger.Info().
		Float64("price", sig.Price).
		Float64("bid", snap.Quote.Bid).
		Float64("ask", snap.Quote.Ask).
		Float64("mid", snap.Quote.Mid()).
		Float64("atr", sig.ATR).
		Float64("rsi", sig.RSI).
		Bool("trend", sig.TrendOK).
		Bool("entry", sig.EntryOK).
		Str("state", string(r.machine.State().Kind)).
		Str("status", string(out.Status)).
		Str("reason", out.Reason)

	if lv := r.machine.Levels(); lv != nil {
		ev = ev.Float64("to_stop", sig.Price-lv.Stop).Float64("to_target", lv.Target-sig.Price)
	}
	if out.Action != lifecycle.ActionNone && out.Action != "" {
		ev = ev.Str("action", string(out.Action))
	}
	ev.Msg("Heartbeat")
}

// report logs an iteration error and forwards the ones an operator must see.
func (r *Runner) report(ctx context.Context, kind string, err error) {
	ev := r.logger.Error()
	if kind == "breaker_open" || kind == "market_data" {
		ev = r.logger.Warn()
	}
	ev.Err(err).Str("kind", kind).Msg("Iteration failed")

	var perr *errors.PersistenceError
	if errors.As(err, &perr) {
		r.metrics.RecordPersistenceError(perr.Target)
	}
	switch kind {
	case "persistence", "execution":
		if nerr := r.notifier.SendError(ctx, err, kind); nerr != nil {
			r.logger.Warn().Err(nerr).Msg("Error notification failed")
		}
	}
}

func (r *Runner) recordBreaker() {
	if r.breaker == nil {
		return
	}
	switch r.breaker.State() {
	case resilience.CircuitOpen:
		r.metrics.SetBreakerState(2)
	case resilience.CircuitHalfOpen:
		r.metrics.SetBreakerState(1)
	default:
		r.metrics.SetBreakerState(0)
	}
}

// shutdown cancels a resting entry order with a fresh deadline.
func (r *Runner) shutdown() {
	r.logger.Info().Msg("Shutting down trading loop")

	ctx, cancel := context.WithTimeout(context.Background(), 2*r.callTimeout())
	defer cancel()

	out, err := r.machine.CancelPending(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Cancelling resting entry on shutdown failed")
		return
	}
	if out.Ledger != nil {
		r.logger.Info().Str("client_order_id", out.Ledger.ClientOrderID).Msg("Resting entry cancelled")
		if nerr := r.notifier.SendLedger(ctx, *out.Ledger); nerr != nil {
			r.logger.Warn().Err(nerr).Msg("Trade notification failed")
		}
	} else if out.Reason == lifecycle.ReasonOrderGone {
		r.logger.Warn().Msg("Resting entry no longer on the book, fill is checked on next start")
	}
	r.metrics.SetPosition(r.cfg.Machine.Tag, r.cfg.Machine.Symbol, positionCode(r.machine.State().Kind))
}

func (r *Runner) callTimeout() time.Duration {
	if r.cfg.Machine.CallTimeout > 0 {
		return r.cfg.Machine.CallTimeout
	}
	return 10 * time.Second
}

func (r *Runner) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.callTimeout())
}

func callWithTimeout[T any](ctx context.Context, r *Runner, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	return fn(callCtx)
}

// classify maps an iteration error to a metrics label.
func classify(err error) string {
	var (
		perr *errors.PersistenceError
		xerr *errors.ExecutionError
		derr *errors.DataError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &perr):
		return "persistence"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "breaker_open"
	case errors.As(err, &xerr):
		return "execution"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &derr):
		return "market_data"
	default:
		return "internal"
	}
}

func positionCode(k lifecycle.Kind) int {
	switch k {
	case lifecycle.KindPendingEntry:
		return 1
	case lifecycle.KindOpen:
		return 2
	default:
		return 0
	}
}
