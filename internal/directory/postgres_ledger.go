package directory

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresLedger applies balance credits against a relational ledger table.
// Wired in place of the in-memory ledger when DATABASE_URL is set; the
// lib/pq driver is registered by cmd/server.
//
// Expected schema:
//
//	CREATE TABLE ledger_accounts (
//	    account_ref TEXT PRIMARY KEY,
//	    balance     NUMERIC(12,2) NOT NULL DEFAULT 0
//	);
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an open connection pool.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Credit atomically adds amount to the account and returns the new balance.
func (l *PostgresLedger) Credit(ctx context.Context, accountRef string, amount float64) (float64, error) {
	var balance float64
	err := l.db.QueryRowContext(ctx,
		`UPDATE ledger_accounts SET balance = balance + $1 WHERE account_ref = $2 RETURNING balance`,
		amount, accountRef,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("account %s: %w", accountRef, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("ledger credit: %w", err)
	}
	return balance, nil
}
