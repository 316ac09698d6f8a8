package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStore persists current fund holdings, keyed by fund code.
type PositionStore interface {
	// Get returns the position for code, or ErrNotFound.
	Get(ctx context.Context, code string) (Position, error)
	// List returns all current positions ordered by code.
	List(ctx context.Context) ([]Position, error)
	// Upsert replaces cost and shares for code, creating the row if absent.
	Upsert(ctx context.Context, code string, cost, shares decimal.Decimal) error
	// Remove deletes the row for code. Removing an absent code is a no-op.
	Remove(ctx context.Context, code string) error
}

// TransactionStore persists the append-only trade log.
type TransactionStore interface {
	// Append inserts a new transaction, pending or already settled, and
	// returns its assigned id.
	Append(ctx context.Context, txn Transaction) (int64, error)
	// MarkSettled transitions a pending transaction to settled exactly once.
	// It returns ErrAlreadySettled when the row has already been applied.
	MarkSettled(ctx context.Context, id int64, s Settlement) error
	// ListPending returns all unsettled transactions in ascending id order.
	// Creation order matters: later settlements for a code are a function of
	// the position state left by earlier ones.
	ListPending(ctx context.Context) ([]Transaction, error)
	// List returns transactions newest first, optionally filtered by code.
	List(ctx context.Context, code string, limit int) ([]Transaction, error)
}

// Ledger couples the position store and the transaction log over one durable
// store and provides the atomic settlement unit.
type Ledger interface {
	Positions() PositionStore
	Transactions() TransactionStore

	// SettleTx runs fn within a single transaction serialized per fund code:
	// the position read, position write, and trade-log write commit or roll
	// back as one unit, and no two settlements for the same code interleave.
	SettleTx(ctx context.Context, code string, fn func(positions PositionStore, log TransactionStore) error) error
}

// NAVSource answers the published net asset value of a fund on a calendar
// date. It returns ErrNAVUnavailable when the value has not been published
// yet; any other error is a lookup failure and callers treat both the same
// way, by leaving the trade pending.
type NAVSource interface {
	NAVOnDate(ctx context.Context, code string, date time.Time) (decimal.Decimal, error)
}

// LockManager hands out mutual-exclusion locks shared across instances. On
// success Acquire returns an unlock function that must be called to release
// the lock; it returns ErrLockHeld when another party holds it.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
