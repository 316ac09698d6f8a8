package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fundval/fundvald/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL.
type TransactionStore struct {
	q querier
}

const transactionSelectCols = `id, code, op_type, amount, shares_redeemed,
	confirm_date, confirm_nav, shares_added, cost_after, created_at, applied_at`

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	var opType string

	err := row.Scan(
		&t.ID, &t.Code, &opType, &t.Amount, &t.SharesRedeemed,
		&t.ConfirmDate, &t.ConfirmNAV, &t.SharesAdded, &t.CostAfter,
		&t.CreatedAt, &t.AppliedAt,
	)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.OpType = domain.OpType(opType)
	return t, nil
}

func scanTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// Append inserts a new transaction row, pending or already settled, and
// returns its assigned id.
func (s *TransactionStore) Append(ctx context.Context, txn domain.Transaction) (int64, error) {
	const query = `
		INSERT INTO transactions (
			code, op_type, amount, shares_redeemed,
			confirm_date, confirm_nav, shares_added, cost_after,
			created_at, applied_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), $9)
		RETURNING id`

	var id int64
	err := s.q.QueryRow(ctx, query,
		txn.Code, string(txn.OpType), txn.Amount, txn.SharesRedeemed,
		txn.ConfirmDate, txn.ConfirmNAV, txn.SharesAdded, txn.CostAfter,
		txn.AppliedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: append transaction for %s: %w", txn.Code, err)
	}
	return id, nil
}

// MarkSettled transitions a pending transaction to settled. The guard on
// applied_at makes the transition one-way: a second caller gets
// domain.ErrAlreadySettled and writes nothing.
func (s *TransactionStore) MarkSettled(ctx context.Context, id int64, settlement domain.Settlement) error {
	const query = `
		UPDATE transactions SET
			confirm_nav  = $2,
			amount       = COALESCE($3, amount),
			shares_added = $4,
			cost_after   = $5,
			applied_at   = $6
		WHERE id = $1 AND applied_at IS NULL`

	tag, err := s.q.Exec(ctx, query,
		id, settlement.ConfirmNAV, settlement.Amount,
		settlement.SharesAdded, settlement.CostAfter, settlement.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: settle transaction %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: settle transaction %d: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrAlreadySettled
	}
	return nil
}

// ListPending returns all unsettled transactions in ascending id order.
// Creation order is a correctness requirement for the sweep, not cosmetic.
func (s *TransactionStore) ListPending(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+transactionSelectCols+` FROM transactions
		 WHERE applied_at IS NULL
		 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending transactions: %w", err)
	}
	defer rows.Close()

	txns, err := scanTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan pending transactions: %w", err)
	}
	return txns, nil
}

// List returns transactions newest first, optionally filtered by fund code.
func (s *TransactionStore) List(ctx context.Context, code string, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionSelectCols + ` FROM transactions`
	args := []any{}
	if code != "" {
		query += ` WHERE code = $1`
		args = append(args, code)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions: %w", err)
	}
	defer rows.Close()

	txns, err := scanTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions: %w", err)
	}
	return txns, nil
}

// Compile-time interface check.
var _ domain.TransactionStore = (*TransactionStore)(nil)
