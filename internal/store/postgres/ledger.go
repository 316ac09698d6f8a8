package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fundval/fundvald/internal/domain"
)

// querier is the subset of pgx operations shared by *pgxpool.Pool and pgx.Tx,
// letting the stores run against either.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// settleLockClass namespaces the advisory locks taken during settlement so
// they cannot collide with other advisory-lock users of the same database.
const settleLockClass = 7201

// Ledger implements domain.Ledger on a pgx connection pool.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Positions returns the position store bound to the pool.
func (l *Ledger) Positions() domain.PositionStore {
	return &PositionStore{q: l.pool}
}

// Transactions returns the trade-log store bound to the pool.
func (l *Ledger) Transactions() domain.TransactionStore {
	return &TransactionStore{q: l.pool}
}

// SettleTx runs fn inside one database transaction holding a per-code
// advisory lock, so the position read, position write, and trade-log write
// commit as a unit and settlements for the same fund never interleave.
// Settlements for different codes proceed in parallel.
func (l *Ledger) SettleTx(ctx context.Context, code string, fn func(positions domain.PositionStore, log domain.TransactionStore) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The lock is transaction-scoped and released automatically on commit
	// or rollback.
	if _, err := tx.Exec(ctx,
		"SELECT pg_advisory_xact_lock($1, hashtext($2))",
		settleLockClass, code,
	); err != nil {
		return fmt.Errorf("postgres: lock code %s: %w", code, err)
	}

	if err := fn(&PositionStore{q: tx}, &TransactionStore{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settlement for %s: %w", code, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.Ledger = (*Ledger)(nil)
