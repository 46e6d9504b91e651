package risk

import (
	"context"
	"math"
	"time"

	"spot-trader/internal/errors"
	"spot-trader/internal/models"
)

// ReferenceMode selects the capital the drawdown fraction applies to.
type ReferenceMode string

const (
	// ReferenceFixed uses a configured bankroll; the threshold is stable for the day.
	ReferenceFixed ReferenceMode = "fixed"
	// ReferenceBalance uses the current free quote balance; the threshold
	// drifts as the balance moves.
	ReferenceBalance ReferenceMode = "balance"
)

// GovernorConfig is the immutable governor configuration.
type GovernorConfig struct {
	DrawdownFraction float64
	ReferenceMode    ReferenceMode
	ReferenceCapital float64 // fixed mode
}

// Validate checks the governor configuration.
func (c GovernorConfig) Validate() error {
	if c.DrawdownFraction <= 0 || c.DrawdownFraction >= 1 {
		return errors.NewValidationError("drawdown_fraction", c.DrawdownFraction, "must be in (0, 1)")
	}
	switch c.ReferenceMode {
	case ReferenceFixed:
		if c.ReferenceCapital <= 0 {
			return errors.NewValidationError("reference_capital", c.ReferenceCapital, "must be positive in fixed mode")
		}
	case ReferenceBalance:
	default:
		return errors.NewValidationError("reference_mode", c.ReferenceMode, "must be fixed or balance")
	}
	return nil
}

// LedgerReader is the read side of the trade ledger the governor aggregates.
type LedgerReader interface {
	// Entries returns ledger rows for strategy/symbol with from <= ts < to.
	Entries(ctx context.Context, strategy, symbol string, from, to time.Time) ([]models.LedgerEntry, error)
}

// Status is the governor's view of the current UTC day.
type Status struct {
	Day         time.Time
	RealizedPnL float64
	Limit       float64 // maximum tolerated loss, positive
	Halted      bool
}

// Governor suppresses new entries once the day's realized loss exceeds
// DrawdownFraction of the reference capital. It never blocks exits.
type Governor struct {
	cfg      GovernorConfig
	ledger   LedgerReader
	strategy string
	symbol   string
}

// NewGovernor creates a Governor reading the ledger rows of one strategy and symbol.
func NewGovernor(cfg GovernorConfig, ledger LedgerReader, strategy, symbol string) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, errors.NewValidationError("ledger", nil, "required")
	}
	return &Governor{cfg: cfg, ledger: ledger, strategy: strategy, symbol: symbol}, nil
}

// Check aggregates today's realized PnL as of now. quoteBalance is only
// consulted in balance reference mode.
func (g *Governor) Check(ctx context.Context, now time.Time, quoteBalance float64) (Status, error) {
	day := DayOpen(now)
	rows, err := g.ledger.Entries(ctx, g.strategy, g.symbol, day, day.Add(24*time.Hour))
	if err != nil {
		return Status{}, errors.Wrap(err, "read ledger for daily pnl")
	}

	var pnl float64
	for _, r := range rows {
		if SameDay(r.Timestamp, now) {
			pnl += r.RealizedPnL
		}
	}

	reference := g.cfg.ReferenceCapital
	if g.cfg.ReferenceMode == ReferenceBalance {
		reference = math.Max(quoteBalance, 0)
	}
	limit := g.cfg.DrawdownFraction * reference

	return Status{
		Day:         day,
		RealizedPnL: pnl,
		Limit:       limit,
		Halted:      -pnl > limit,
	}, nil
}

// Err returns ErrGovernorHalt wrapped with the figures when the status is halted.
func (s Status) Err() error {
	if !s.Halted {
		return nil
	}
	return errors.NewRiskError("daily_drawdown", -s.RealizedPnL, s.Limit, errors.ErrGovernorHalt)
}
