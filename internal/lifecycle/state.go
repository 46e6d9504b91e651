// Package lifecycle owns the single position of one strategy and drives it
// through FLAT -> PENDING_ENTRY -> OPEN -> FLAT.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"spot-trader/internal/errors"
)

// SchemaVersion is the persisted state layout version.
const SchemaVersion = 1

// Kind is the active variant of a position state.
type Kind string

const (
	KindFlat         Kind = "FLAT"
	KindPendingEntry Kind = "PENDING_ENTRY"
	KindOpen         Kind = "OPEN"
)

// PendingEntry is a resting maker buy order awaiting a fill.
type PendingEntry struct {
	ClientOrderID string    `json:"client_order_id"`
	LimitPrice    float64   `json:"limit_price"`
	TargetQty     float64   `json:"target_qty"`
	BaselineBase  float64   `json:"baseline_base"`
	PlacedAt      time.Time `json:"placed_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	// Levels planned from the ATR at placement. The live levels are
	// recomputed from the fill.
	PlannedStop    float64   `json:"planned_stop"`
	PlannedTargets []float64 `json:"planned_targets,omitempty"`
}

// OpenPosition is an established long position.
type OpenPosition struct {
	EntryPrice       float64   `json:"entry_price"`
	Quantity         float64   `json:"quantity"`
	StopPrice        float64   `json:"stop_price"`
	Target1          float64   `json:"target1,omitempty"` // zero for a single-target scheme
	Target2          float64   `json:"target2"`           // final target
	PartialExitTaken bool      `json:"partial_exit_taken"`
	EntryTime        time.Time `json:"entry_time"`
	ClientOrderID    string    `json:"client_order_id,omitempty"`
}

// TwoTarget reports whether the position uses a partial-exit first target.
func (o OpenPosition) TwoTarget() bool {
	return o.Target1 > 0
}

// State is the tagged-variant position state. Exactly one payload matches Kind.
type State struct {
	Version   int           `json:"version"`
	Kind      Kind          `json:"kind"`
	Pending   *PendingEntry `json:"pending,omitempty"`
	Open      *OpenPosition `json:"open,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Flat returns the empty state.
func Flat() State {
	return State{Version: SchemaVersion, Kind: KindFlat}
}

// NewPending returns a PENDING_ENTRY state.
func NewPending(p PendingEntry) State {
	return State{Version: SchemaVersion, Kind: KindPendingEntry, Pending: &p}
}

// NewOpen returns an OPEN state.
func NewOpen(o OpenPosition) State {
	return State{Version: SchemaVersion, Kind: KindOpen, Open: &o}
}

// Validate enforces the variant and price invariants.
func (s State) Validate() error {
	if s.Version != SchemaVersion {
		return invalid("version", s.Version, fmt.Sprintf("unsupported schema version, want %d", SchemaVersion))
	}
	switch s.Kind {
	case KindFlat:
		if s.Pending != nil || s.Open != nil {
			return invalid("kind", s.Kind, "flat state carries a payload")
		}
	case KindPendingEntry:
		if s.Pending == nil || s.Open != nil {
			return invalid("kind", s.Kind, "pending state needs exactly the pending payload")
		}
		return s.Pending.validate()
	case KindOpen:
		if s.Open == nil || s.Pending != nil {
			return invalid("kind", s.Kind, "open state needs exactly the open payload")
		}
		return s.Open.validate()
	default:
		return invalid("kind", s.Kind, "unknown state kind")
	}
	return nil
}

func (p *PendingEntry) validate() error {
	if p.ClientOrderID == "" {
		return invalid("pending.client_order_id", p.ClientOrderID, "required")
	}
	if !positive(p.LimitPrice) {
		return invalid("pending.limit_price", p.LimitPrice, "must be positive")
	}
	if !positive(p.TargetQty) {
		return invalid("pending.target_qty", p.TargetQty, "must be positive")
	}
	if !nonNegative(p.BaselineBase) {
		return invalid("pending.baseline_base", p.BaselineBase, "must not be negative")
	}
	if p.ExpiresAt.IsZero() {
		return invalid("pending.expires_at", p.ExpiresAt, "required")
	}
	if !nonNegative(p.PlannedStop) {
		return invalid("pending.planned_stop", p.PlannedStop, "must not be negative")
	}
	for _, t := range p.PlannedTargets {
		if !nonNegative(t) {
			return invalid("pending.planned_targets", t, "must not be negative")
		}
	}
	return nil
}

func (o *OpenPosition) validate() error {
	if !positive(o.EntryPrice) {
		return invalid("open.entry_price", o.EntryPrice, "must be positive")
	}
	if !positive(o.Quantity) {
		return invalid("open.quantity", o.Quantity, "must be positive")
	}
	if !nonNegative(o.StopPrice) || o.StopPrice >= o.EntryPrice {
		return invalid("open.stop_price", o.StopPrice, "must be below the entry price")
	}
	if !positive(o.Target2) || o.Target2 <= o.EntryPrice {
		return invalid("open.target2", o.Target2, "must be above the entry price")
	}
	if o.Target1 != 0 && (o.Target1 <= o.EntryPrice || o.Target1 > o.Target2) {
		return invalid("open.target1", o.Target1, "must lie between the entry price and the final target")
	}
	return nil
}

// Encode serializes a valid state.
func Encode(s State) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(s, "", "  ")
}

// Decode parses and validates persisted state. Malformed or partial
// records are rejected rather than coerced.
func Decode(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("%w: %v", errors.ErrInvalidState, err)
	}
	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s, nil
}

func invalid(field string, value interface{}, msg string) error {
	return fmt.Errorf("%w: %w", errors.ErrInvalidState, errors.NewValidationError(field, value, msg))
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func nonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
