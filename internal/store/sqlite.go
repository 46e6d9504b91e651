package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"spot-trader/internal/errors"
	"spot-trader/internal/models"
)

// SQLiteStore implements StateStore and Ledger using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Append-only ledger of realized transitions
	CREATE TABLE IF NOT EXISTS ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		strategy TEXT NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		realized_pnl REAL NOT NULL DEFAULT 0,
		quote_balance REAL NOT NULL DEFAULT 0,
		base_balance REAL NOT NULL DEFAULT 0,
		client_order_id TEXT,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Current position state, one row per strategy tag + symbol
	CREATE TABLE IF NOT EXISTS position_state (
		key TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_strategy_symbol_ts ON ledger(strategy, symbol, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Position State
// ============================================================================

// LoadState returns the stored record for key.
func (s *SQLiteStore) LoadState(ctx context.Context, key string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM position_state WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return []byte(data), nil
}

// SaveState overwrites the record for key in a single transaction.
func (s *SQLiteStore) SaveState(ctx context.Context, key string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO position_state (key, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, key, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ============================================================================
// Ledger
// ============================================================================

// AppendLedger appends a ledger row.
func (s *SQLiteStore) AppendLedger(ctx context.Context, e models.LedgerEntry) error {
	if !e.Action.Valid() {
		return errors.NewValidationError("action", e.Action, "unknown ledger action")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (timestamp, strategy, symbol, action, price, quantity, realized_pnl, quote_balance, base_balance, client_order_id, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.UTC(), e.Strategy, e.Symbol, string(e.Action), e.Price, e.Quantity, e.RealizedPnL, e.QuoteBalance, e.BaseBalance, e.ClientOrderID, e.Reason)
	if err != nil {
		return fmt.Errorf("failed to append ledger: %w", err)
	}
	return nil
}

// Entries returns ledger rows for strategy/symbol with from <= ts < to.
func (s *SQLiteStore) Entries(ctx context.Context, strategy, symbol string, from, to time.Time) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, strategy, symbol, action, price, quantity, realized_pnl, quote_balance, base_balance, client_order_id, reason
		FROM ledger
		WHERE strategy = ? AND symbol = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC, id ASC
	`, strategy, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()
	return scanLedger(rows)
}

// GetLedger retrieves ledger rows, newest first.
func (s *SQLiteStore) GetLedger(ctx context.Context, filter LedgerFilter) ([]models.LedgerEntry, error) {
	query := "SELECT id, timestamp, strategy, symbol, action, price, quantity, realized_pnl, quote_balance, base_balance, client_order_id, reason FROM ledger WHERE 1=1"
	args := []interface{}{}

	if filter.Strategy != "" {
		query += " AND strategy = ?"
		args = append(args, filter.Strategy)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, string(filter.Action))
	}
	if !filter.StartDate.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndDate.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()
	return scanLedger(rows)
}

func scanLedger(rows *sql.Rows) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var action string
		var cid, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Strategy, &e.Symbol, &action, &e.Price, &e.Quantity, &e.RealizedPnL, &e.QuoteBalance, &e.BaseBalance, &cid, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		e.Action = models.LedgerAction(action)
		e.ClientOrderID = cid.String
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
