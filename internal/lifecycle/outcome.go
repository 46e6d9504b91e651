package lifecycle

import (
	"spot-trader/internal/models"
)

// Status classifies the result of one evaluation step.
type Status string

const (
	StatusOK   Status = "OK"
	StatusSkip Status = "SKIP"
	StatusHalt Status = "HALT"
)

// Action is the single execution action a step took, if any.
type Action string

const (
	ActionNone        Action = "NONE"
	ActionPlaceEntry  Action = "PLACE_ENTRY"
	ActionCancelEntry Action = "CANCEL_ENTRY"
	ActionConfirmFill Action = "CONFIRM_FILL"
	ActionPartialExit Action = "PARTIAL_EXIT"
	ActionExit        Action = "EXIT"
)

// Skip and halt reasons.
const (
	ReasonGovernorHalt   = "daily_drawdown"
	ReasonTrendGate      = "trend_gate_closed"
	ReasonNoEntrySignal  = "no_entry_signal"
	ReasonBelowMinimum   = "below_min_notional"
	ReasonInsufficient   = "insufficient_balance"
	ReasonAwaitingFill   = "awaiting_fill"
	ReasonHolding        = "holding"
	ReasonStale          = "pending_order_expired"
	ReasonOrderGone      = "pending_order_gone"
	ReasonEntryFilled    = "entry_filled"
	ReasonFirstTarget    = "first_target"
	ReasonEntryPlaced    = "entry_placed"
	ReasonDustRemainder  = "remainder_below_step"
	ReasonPersistPending = "persistence_pending"
)

// Outcome is the explicit result of a step, consumed by the loop driver.
type Outcome struct {
	Status Status
	Reason string
	Action Action
	From   Kind
	To     Kind
	Ledger *models.LedgerEntry
}

func okOutcome(action Action, reason string, from, to Kind) Outcome {
	return Outcome{Status: StatusOK, Reason: reason, Action: action, From: from, To: to}
}

func skipOutcome(reason string, kind Kind) Outcome {
	return Outcome{Status: StatusSkip, Reason: reason, Action: ActionNone, From: kind, To: kind}
}
