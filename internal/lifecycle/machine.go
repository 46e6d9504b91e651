package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spot-trader/internal/errors"
	"spot-trader/internal/logging"
	"spot-trader/internal/models"
	"spot-trader/internal/risk"
	"spot-trader/internal/signal"
)

// EntryPricing selects where the entry maker order is priced.
type EntryPricing string

const (
	// PriceBelowBid rests one tick under the best bid.
	PriceBelowBid EntryPricing = "bid_minus_tick"
	// PriceSignal rests at the signal's trigger price.
	PriceSignal EntryPricing = "signal"
)

// Config is the immutable machine configuration.
type Config struct {
	Tag        string
	Symbol     string
	BaseAsset  string
	QuoteAsset string

	EntryPricing EntryPricing
	TTL          time.Duration

	// Stop distance is StopATR * ATR below the fill price.
	StopATR float64
	// Single-target scheme: target = fill + TargetATR * ATR.
	TargetATR float64
	// Two-target scheme, enabled when Target1R > 0: targets at Target1R and
	// Target2R multiples of the stop distance; PartialFraction of the
	// position is sold at the first.
	Target1R        float64
	Target2R        float64
	PartialFraction float64

	CallTimeout time.Duration
}

// Key is the persisted state key: one record per strategy tag and symbol.
func (c Config) Key() string {
	return c.Tag + "_" + c.Symbol
}

// Validate checks the machine configuration.
func (c Config) Validate() error {
	if c.Tag == "" || c.Symbol == "" || c.BaseAsset == "" || c.QuoteAsset == "" {
		return errors.NewValidationError("instrument", c.Key(), "tag, symbol, base and quote asset are required")
	}
	switch c.EntryPricing {
	case PriceBelowBid, PriceSignal:
	default:
		return errors.NewValidationError("entry_pricing", c.EntryPricing, "must be bid_minus_tick or signal")
	}
	if c.TTL <= 0 {
		return errors.NewValidationError("ttl", c.TTL, "must be positive")
	}
	if c.StopATR <= 0 {
		return errors.NewValidationError("stop_atr", c.StopATR, "must be positive")
	}
	if c.Target1R > 0 {
		if c.Target2R < c.Target1R {
			return errors.NewValidationError("target2_r", c.Target2R, "must not be below target1_r")
		}
		if c.PartialFraction <= 0 || c.PartialFraction >= 1 {
			return errors.NewValidationError("partial_fraction", c.PartialFraction, "must be in (0, 1)")
		}
	} else if c.TargetATR <= 0 {
		return errors.NewValidationError("target_atr", c.TargetATR, "must be positive")
	}
	return nil
}

// Executor is the part of the execution gateway the machine drives.
type Executor interface {
	PlaceLimitMaker(ctx context.Context, symbol string, side models.Side, price, qty float64, clientID string) (*models.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientID string) (*models.OrderAck, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientID string) (*models.OrderAck, error)
	GetFreeBalances(ctx context.Context) (models.Balances, error)
}

// StateStore persists encoded state records by key. LoadState returns
// ErrDataNotFound when no record exists.
type StateStore interface {
	LoadState(ctx context.Context, key string) ([]byte, error)
	SaveState(ctx context.Context, key string, data []byte) error
}

// LedgerWriter appends realized transitions.
type LedgerWriter interface {
	AppendLedger(ctx context.Context, entry models.LedgerEntry) error
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDGenerator overrides client order id generation.
func WithIDGenerator(ids IDGenerator) Option {
	return func(m *Machine) { m.ids = ids }
}

// WithFillDetector overrides the default balance-delta fill detector.
func WithFillDetector(d FillDetector) Option {
	return func(m *Machine) { m.fills = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// Machine is the order lifecycle state machine for one strategy and symbol.
// It is driven by a single goroutine and is not safe for concurrent use.
type Machine struct {
	cfg    Config
	exec   Executor
	sizer  *risk.Sizer
	quant  *risk.Quantizer
	fills  FillDetector
	store  StateStore
	ledger LedgerWriter
	ids    IDGenerator
	now    func() time.Time
	logger zerolog.Logger

	state  State
	dirty  bool
	unsent []models.LedgerEntry
}

// NewMachine creates a machine in the FLAT state. Call Restore to load the
// persisted state before the first Step.
func NewMachine(cfg Config, exec Executor, sizer *risk.Sizer, store StateStore, ledger LedgerWriter, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if exec == nil || sizer == nil || store == nil || ledger == nil {
		return nil, errors.NewValidationError("machine", cfg.Key(), "executor, sizer, store and ledger are required")
	}
	m := &Machine{
		cfg:    cfg,
		exec:   exec,
		sizer:  sizer,
		quant:  sizer.Quantizer(),
		store:  store,
		ledger: ledger,
		ids:    TaggedIDs{Tag: cfg.Tag},
		now:    time.Now,
		logger: zerolog.Nop(),
		state:  Flat(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fills == nil {
		m.fills = NewBalanceDeltaDetector(cfg.BaseAsset)
	}
	m.logger = logging.WithSymbol(logging.WithStrategy(m.logger, cfg.Tag), cfg.Symbol)
	return m, nil
}

// Restore loads the persisted state. A missing record starts FLAT; a
// malformed one is an error so the process does not trade on a guess.
func (m *Machine) Restore(ctx context.Context) error {
	data, err := m.store.LoadState(ctx, m.cfg.Key())
	if errors.Is(err, errors.ErrDataNotFound) {
		m.state = Flat()
		return nil
	}
	if err != nil {
		return errors.NewPersistenceError("state", m.cfg.Key(), err)
	}
	st, err := Decode(data)
	if err != nil {
		return errors.Wrapf(err, "restore %s", m.cfg.Key())
	}
	m.state = st
	m.logger.Info().Str("state", string(st.Kind)).Msg("Restored position state")
	return nil
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	return m.state
}

// Config returns the machine configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// Levels returns the protective levels of an open position for exit
// evaluation, or nil when no position is open.
func (m *Machine) Levels() *signal.Levels {
	if m.state.Kind != KindOpen || m.state.Open == nil {
		return nil
	}
	return &signal.Levels{Stop: m.state.Open.StopPrice, Target: m.state.Open.Target2}
}

// Step consumes one iteration's market snapshot and signal and performs at
// most one execution action. allowEntries is false while the daily governor
// halts new risk; exits are never blocked.
//
// Execution failures return an ExecutionError and leave the state untouched.
// A PersistenceError means the venue action happened and the in-memory state
// reflects it, but the durable copy lags; the next Step retries the write.
// While a write is outstanding no new orders are placed, except that an open
// position still runs its stop, target and exit checks.
func (m *Machine) Step(ctx context.Context, snap models.Snapshot, sig signal.Signal, allowEntries bool) (Outcome, error) {
	kind := m.state.Kind
	if ferr := m.flush(ctx); ferr != nil {
		if kind != KindOpen {
			return skipOutcome(ReasonPersistPending, kind), ferr
		}
		out, err := m.stepOpen(ctx, snap, sig)
		if err == nil {
			err = ferr
		}
		return out, err
	}

	switch kind {
	case KindFlat:
		return m.stepFlat(ctx, snap, sig, allowEntries)
	case KindPendingEntry:
		return m.stepPending(ctx, snap, sig)
	case KindOpen:
		return m.stepOpen(ctx, snap, sig)
	}
	return skipOutcome("unknown_state", kind), errors.ErrInvalidState
}

func (m *Machine) stepFlat(ctx context.Context, snap models.Snapshot, sig signal.Signal, allowEntries bool) (Outcome, error) {
	if !allowEntries {
		return Outcome{Status: StatusHalt, Reason: ReasonGovernorHalt, Action: ActionNone, From: KindFlat, To: KindFlat}, nil
	}
	if !sig.TrendOK {
		return skipOutcome(ReasonTrendGate, KindFlat), nil
	}
	if !sig.EntryOK {
		return skipOutcome(ReasonNoEntrySignal, KindFlat), nil
	}

	limit := m.entryPrice(snap, sig)
	order, err := m.sizer.Size(snap.Balances.Free(m.cfg.QuoteAsset), limit, sig.ATR)
	if errors.Is(err, errors.ErrBelowMinimumNotional) {
		m.logger.Debug().Err(err).Msg("Entry skipped")
		return skipOutcome(ReasonBelowMinimum, KindFlat), nil
	}
	if errors.Is(err, errors.ErrInsufficientBalance) {
		m.logger.Info().Err(err).Msg("Entry skipped")
		return skipOutcome(ReasonInsufficient, KindFlat), nil
	}
	if err != nil {
		return skipOutcome("invalid_entry", KindFlat), err
	}

	now := m.now()
	stop, t1, t2 := m.levels(order.Price, sig.ATR)
	targets := []float64{t2}
	if t1 > 0 {
		targets = []float64{t1, t2}
	}
	cid := m.ids.NewID(string(models.SideBuy))
	next := NewPending(PendingEntry{
		ClientOrderID:  cid,
		LimitPrice:     order.Price,
		TargetQty:      order.Quantity,
		BaselineBase:   snap.Balances.Free(m.cfg.BaseAsset),
		PlacedAt:       now.UTC(),
		ExpiresAt:      now.Add(m.cfg.TTL).UTC(),
		PlannedStop:    stop,
		PlannedTargets: targets,
	})
	if err := next.Validate(); err != nil {
		return skipOutcome("invalid_entry", KindFlat), err
	}

	callCtx, cancel := m.callContext(ctx)
	_, err = m.exec.PlaceLimitMaker(callCtx, m.cfg.Symbol, models.SideBuy, order.Price, order.Quantity, cid)
	cancel()
	if err != nil {
		return skipOutcome("execution_failed", KindFlat), m.execErr("place_limit_maker", cid, err)
	}
	logging.LogOrder(m.logger, cid, m.cfg.Symbol, string(models.SideBuy), string(models.OrderTypeLimitMaker), order.Quantity, order.Price)

	out := okOutcome(ActionPlaceEntry, ReasonEntryPlaced, KindFlat, KindPendingEntry)
	return out, m.commit(ctx, next, nil, out.Reason)
}

func (m *Machine) stepPending(ctx context.Context, snap models.Snapshot, sig signal.Signal) (Outcome, error) {
	p := *m.state.Pending
	gone := false

	// Expiry is checked before fill detection.
	if m.now().After(p.ExpiresAt) {
		callCtx, cancel := m.callContext(ctx)
		_, err := m.exec.CancelOrder(callCtx, m.cfg.Symbol, p.ClientOrderID)
		cancel()
		switch {
		case err == nil:
			row := m.row(models.ActionCancel, p.LimitPrice, 0, 0, p.ClientOrderID, errors.ErrStalePendingOrder.Error(), snap.Balances)
			out := okOutcome(ActionCancelEntry, ReasonStale, KindPendingEntry, KindFlat)
			out.Ledger = &row
			return out, m.commit(ctx, Flat(), &row, out.Reason)
		case errors.Is(err, errors.ErrOrderNotFound):
			// Filled or cancelled elsewhere before the TTL ran out.
			gone = true
		default:
			return skipOutcome("execution_failed", KindPendingEntry), m.execErr("cancel_order", p.ClientOrderID, err)
		}
	}

	fill, err := m.fills.Detect(ctx, p, snap)
	if err != nil {
		return skipOutcome("fill_detection_failed", KindPendingEntry), err
	}
	if !fill.Filled {
		if gone {
			row := m.row(models.ActionCancel, p.LimitPrice, 0, 0, p.ClientOrderID, ReasonOrderGone, snap.Balances)
			out := okOutcome(ActionCancelEntry, ReasonOrderGone, KindPendingEntry, KindFlat)
			out.Ledger = &row
			return out, m.commit(ctx, Flat(), &row, out.Reason)
		}
		return Outcome{Status: StatusOK, Reason: ReasonAwaitingFill, Action: ActionNone, From: KindPendingEntry, To: KindPendingEntry}, nil
	}

	entry := fill.Price
	if entry <= 0 {
		entry = p.LimitPrice
	}
	stop, t1, t2 := m.levels(entry, sig.ATR)
	next := NewOpen(OpenPosition{
		EntryPrice:    entry,
		Quantity:      fill.Quantity,
		StopPrice:     stop,
		Target1:       t1,
		Target2:       t2,
		EntryTime:     m.now().UTC(),
		ClientOrderID: p.ClientOrderID,
	})
	if err := next.Validate(); err != nil {
		return skipOutcome("invalid_fill", KindPendingEntry), err
	}

	row := m.row(models.ActionBuy, entry, fill.Quantity, 0, p.ClientOrderID, ReasonEntryFilled, snap.Balances)
	out := okOutcome(ActionConfirmFill, ReasonEntryFilled, KindPendingEntry, KindOpen)
	out.Ledger = &row
	return out, m.commit(ctx, next, &row, out.Reason)
}

func (m *Machine) stepOpen(ctx context.Context, snap models.Snapshot, sig signal.Signal) (Outcome, error) {
	o := *m.state.Open
	price := sig.Price
	if price <= 0 {
		price = snap.Price()
	}

	if o.TwoTarget() && !o.PartialExitTaken && price >= o.Target1 {
		if out, done, err := m.partialExit(ctx, snap, o, price); done {
			return out, err
		}
	}

	reason := ""
	switch {
	case price <= o.StopPrice:
		reason = signal.ExitStop
	case price >= o.Target2:
		reason = signal.ExitTarget
	case sig.ExitOK:
		reason = sig.ExitReason
		if reason == "" {
			reason = "exit_signal"
		}
	}
	if reason == "" {
		return Outcome{Status: StatusOK, Reason: ReasonHolding, Action: ActionNone, From: KindOpen, To: KindOpen}, nil
	}

	sell := m.quant.Quantity(o.Quantity)
	if !m.quant.MeetsMinimum(price, sell) {
		// Nothing sellable remains; the residual stays in the wallet.
		row := m.row(models.ActionExit, price, 0, 0, "", ReasonDustRemainder, snap.Balances)
		out := okOutcome(ActionExit, ReasonDustRemainder, KindOpen, KindFlat)
		out.Ledger = &row
		return out, m.commit(ctx, Flat(), &row, out.Reason)
	}

	cid := m.ids.NewID(string(models.SideSell))
	callCtx, cancel := m.callContext(ctx)
	ack, err := m.exec.PlaceMarketOrder(callCtx, m.cfg.Symbol, models.SideSell, sell, cid)
	cancel()
	if err != nil {
		return skipOutcome("execution_failed", KindOpen), m.execErr("place_market_order", cid, err)
	}
	fillPrice := ackPrice(ack, price)
	logging.LogOrder(m.logger, cid, m.cfg.Symbol, string(models.SideSell), string(models.OrderTypeMarket), sell, fillPrice)

	pnl := (fillPrice - o.EntryPrice) * sell
	row := m.row(models.ActionExit, fillPrice, sell, pnl, cid, reason, m.balancesAfterSale(ctx, snap.Balances, sell, fillPrice))
	out := okOutcome(ActionExit, reason, KindOpen, KindFlat)
	out.Ledger = &row
	return out, m.commit(ctx, Flat(), &row, out.Reason)
}

// partialExit sells PartialFraction of the position at the first target.
// done is false when the slice is not executable and the regular exit
// checks should run instead.
func (m *Machine) partialExit(ctx context.Context, snap models.Snapshot, o OpenPosition, price float64) (Outcome, bool, error) {
	sell := m.quant.Quantity(o.Quantity * m.cfg.PartialFraction)
	remaining := decimal.NewFromFloat(o.Quantity).Sub(decimal.NewFromFloat(sell)).InexactFloat64()
	if remaining <= 0 || !m.quant.MeetsMinimum(price, sell) {
		return Outcome{}, false, nil
	}

	next := o
	next.Quantity = remaining
	next.PartialExitTaken = true
	nextState := NewOpen(next)
	if err := nextState.Validate(); err != nil {
		return skipOutcome("invalid_partial", KindOpen), true, err
	}

	cid := m.ids.NewID("TP1")
	callCtx, cancel := m.callContext(ctx)
	ack, err := m.exec.PlaceMarketOrder(callCtx, m.cfg.Symbol, models.SideSell, sell, cid)
	cancel()
	if err != nil {
		return skipOutcome("execution_failed", KindOpen), true, m.execErr("place_market_order", cid, err)
	}
	fillPrice := ackPrice(ack, price)
	logging.LogOrder(m.logger, cid, m.cfg.Symbol, string(models.SideSell), string(models.OrderTypeMarket), sell, fillPrice)

	pnl := (fillPrice - o.EntryPrice) * sell
	row := m.row(models.ActionPartialExit, fillPrice, sell, pnl, cid, ReasonFirstTarget, m.balancesAfterSale(ctx, snap.Balances, sell, fillPrice))
	out := okOutcome(ActionPartialExit, ReasonFirstTarget, KindOpen, KindOpen)
	out.Ledger = &row
	return out, true, m.commit(ctx, nextState, &row, out.Reason)
}

// CancelPending cancels a resting entry order during shutdown. It is a
// no-op unless the state is PENDING_ENTRY.
func (m *Machine) CancelPending(ctx context.Context) (Outcome, error) {
	if m.state.Kind != KindPendingEntry {
		return skipOutcome("nothing_to_cancel", m.state.Kind), nil
	}
	if err := m.flush(ctx); err != nil {
		return skipOutcome(ReasonPersistPending, KindPendingEntry), err
	}
	p := *m.state.Pending
	callCtx, cancel := m.callContext(ctx)
	_, err := m.exec.CancelOrder(callCtx, m.cfg.Symbol, p.ClientOrderID)
	cancel()
	if err != nil && !errors.Is(err, errors.ErrOrderNotFound) {
		return skipOutcome("execution_failed", KindPendingEntry), m.execErr("cancel_order", p.ClientOrderID, err)
	}
	if errors.Is(err, errors.ErrOrderNotFound) {
		// Possibly filled; keep PENDING_ENTRY so the next run can detect it.
		return skipOutcome(ReasonOrderGone, KindPendingEntry), nil
	}

	row := m.row(models.ActionCancel, p.LimitPrice, 0, 0, p.ClientOrderID, "shutdown", nil)
	out := okOutcome(ActionCancelEntry, "shutdown", KindPendingEntry, KindFlat)
	out.Ledger = &row
	return out, m.commit(ctx, Flat(), &row, out.Reason)
}

// entryPrice returns the unquantized limit price for a new entry.
func (m *Machine) entryPrice(snap models.Snapshot, sig signal.Signal) float64 {
	if m.cfg.EntryPricing == PriceSignal {
		if sig.EntryPrice > 0 {
			return sig.EntryPrice
		}
		return sig.Price
	}
	return snap.Quote.Bid - m.quant.Tick()
}

// levels computes stop and targets for an entry at price. t1 is zero for
// the single-target scheme.
func (m *Machine) levels(price, atr float64) (stop, t1, t2 float64) {
	atr = math.Max(atr, m.quant.Tick())
	d := m.cfg.StopATR * atr
	stop = math.Max(price-d, 0)
	if m.cfg.Target1R > 0 {
		return stop, price + m.cfg.Target1R*d, price + m.cfg.Target2R*d
	}
	return stop, 0, price + m.cfg.TargetATR*atr
}

// commit installs next, then persists state before appending the ledger row.
func (m *Machine) commit(ctx context.Context, next State, row *models.LedgerEntry, reason string) error {
	from := m.state.Kind
	next.UpdatedAt = m.now().UTC()
	m.state = next
	m.dirty = true
	if row != nil {
		m.unsent = append(m.unsent, *row)
	}
	if from != next.Kind {
		logging.LogTransition(m.logger, string(from), string(next.Kind), reason)
	}
	return m.flush(ctx)
}

// flush writes any unsaved state and unsent ledger rows, in that order.
func (m *Machine) flush(ctx context.Context) error {
	if m.dirty {
		data, err := Encode(m.state)
		if err != nil {
			return errors.NewPersistenceError("state", m.cfg.Key(), err)
		}
		if err := m.store.SaveState(ctx, m.cfg.Key(), data); err != nil {
			return errors.NewPersistenceError("state", m.cfg.Key(), err)
		}
		m.dirty = false
	}
	for len(m.unsent) > 0 {
		row := m.unsent[0]
		if err := m.ledger.AppendLedger(ctx, row); err != nil {
			return errors.NewPersistenceError("ledger", m.cfg.Key(), err)
		}
		logging.LogLedger(m.logger, string(row.Action), row.Price, row.Quantity, row.RealizedPnL)
		m.unsent = m.unsent[1:]
	}
	return nil
}

// Unsaved reports whether state or ledger rows are waiting to be persisted.
func (m *Machine) Unsaved() bool {
	return m.dirty || len(m.unsent) > 0
}

func (m *Machine) row(action models.LedgerAction, price, qty, pnl float64, cid, reason string, bal models.Balances) models.LedgerEntry {
	return models.LedgerEntry{
		Timestamp:     m.now().UTC(),
		Strategy:      m.cfg.Tag,
		Symbol:        m.cfg.Symbol,
		Action:        action,
		Price:         price,
		Quantity:      qty,
		RealizedPnL:   pnl,
		QuoteBalance:  bal.Free(m.cfg.QuoteAsset),
		BaseBalance:   bal.Free(m.cfg.BaseAsset),
		ClientOrderID: cid,
		Reason:        reason,
	}
}

// balancesAfterSale queries post-trade balances, falling back to an
// estimate from the pre-trade snapshot when the query fails.
func (m *Machine) balancesAfterSale(ctx context.Context, before models.Balances, qty, price float64) models.Balances {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()
	bal, err := m.exec.GetFreeBalances(callCtx)
	if err == nil {
		return bal
	}
	m.logger.Warn().Err(err).Msg("Post-trade balance query failed, recording estimate")
	return models.Balances{
		m.cfg.QuoteAsset: before.Free(m.cfg.QuoteAsset) + qty*price,
		m.cfg.BaseAsset:  math.Max(before.Free(m.cfg.BaseAsset)-qty, 0),
	}
}

func (m *Machine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (m *Machine) execErr(op, cid string, err error) error {
	var ee *errors.ExecutionError
	if errors.As(err, &ee) {
		return err
	}
	return errors.NewExecutionError(op, m.cfg.Symbol, cid, err)
}

func ackPrice(ack *models.OrderAck, fallback float64) float64 {
	if ack != nil && ack.Price > 0 {
		return ack.Price
	}
	return fallback
}
