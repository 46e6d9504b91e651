package models

import "time"

// LedgerAction is the kind of realized transition recorded in the ledger.
type LedgerAction string

const (
	ActionBuy         LedgerAction = "BUY"
	ActionSell        LedgerAction = "SELL"
	ActionPartialExit LedgerAction = "PARTIAL_EXIT"
	ActionExit        LedgerAction = "EXIT"
	ActionCancel      LedgerAction = "CANCEL"
)

// Valid reports whether the action is one of the known ledger actions.
func (a LedgerAction) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionPartialExit, ActionExit, ActionCancel:
		return true
	}
	return false
}

// LedgerEntry is an immutable, append-only record of a realized transition.
type LedgerEntry struct {
	ID            int64
	Timestamp     time.Time
	Strategy      string
	Symbol        string
	Action        LedgerAction
	Price         float64
	Quantity      float64
	RealizedPnL   float64
	QuoteBalance  float64
	BaseBalance   float64
	ClientOrderID string
	Reason        string
}
