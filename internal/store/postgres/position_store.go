package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/fundval/fundvald/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	q querier
}

// Get returns the position for the given fund code.
func (s *PositionStore) Get(ctx context.Context, code string) (domain.Position, error) {
	var p domain.Position
	err := s.q.QueryRow(ctx,
		`SELECT code, cost, shares, updated_at FROM positions WHERE code = $1`, code,
	).Scan(&p.Code, &p.Cost, &p.Shares, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", code, err)
	}
	return p, nil
}

// List returns all current positions ordered by code.
func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.q.Query(ctx,
		`SELECT code, cost, shares, updated_at FROM positions ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.Code, &p.Cost, &p.Shares, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	return positions, nil
}

// Upsert replaces cost and shares for the code, creating the row if absent.
func (s *PositionStore) Upsert(ctx context.Context, code string, cost, shares decimal.Decimal) error {
	const query = `
		INSERT INTO positions (code, cost, shares, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (code) DO UPDATE SET
			cost       = EXCLUDED.cost,
			shares     = EXCLUDED.shares,
			updated_at = NOW()`

	if _, err := s.q.Exec(ctx, query, code, cost, shares); err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", code, err)
	}
	return nil
}

// Remove deletes the position row for the code.
func (s *PositionStore) Remove(ctx context.Context, code string) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM positions WHERE code = $1`, code); err != nil {
		return fmt.Errorf("postgres: remove position %s: %w", code, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
