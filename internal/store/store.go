// Package store provides durable position state and the append-only trade ledger.
package store

import (
	"context"
	"time"

	"spot-trader/internal/models"
)

// StateStore persists one encoded position state record per key.
// LoadState returns errors.ErrDataNotFound when the key has no record.
type StateStore interface {
	LoadState(ctx context.Context, key string) ([]byte, error)
	SaveState(ctx context.Context, key string, data []byte) error
}

// Ledger is the append-only record of realized transitions.
type Ledger interface {
	AppendLedger(ctx context.Context, entry models.LedgerEntry) error
	// Entries returns rows for strategy/symbol with from <= ts < to, oldest first.
	Entries(ctx context.Context, strategy, symbol string, from, to time.Time) ([]models.LedgerEntry, error)
	GetLedger(ctx context.Context, filter LedgerFilter) ([]models.LedgerEntry, error)
}

// LedgerFilter represents filters for querying ledger rows.
type LedgerFilter struct {
	Strategy  string
	Symbol    string
	Action    models.LedgerAction
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}
