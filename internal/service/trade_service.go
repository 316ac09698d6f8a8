// Package service implements the trade settlement and position
// reconciliation engine. A trade request either settles immediately, when
// the NAV for its confirmation date is already published, or is recorded as
// a pending transaction and resolved later by the reconciliation sweep.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundval/fundvald/internal/calendar"
	"github.com/fundval/fundvald/internal/domain"
)

const (
	// sharesScale is the fixed precision for share counts and per-share cost.
	sharesScale = 4
	// amountScale is the fixed precision for currency amounts.
	amountScale = 2
)

// TradeService orchestrates the trading calendar, the NAV source, and the
// durable ledger. It owns the positions and transactions tables; no other
// component writes to them.
type TradeService struct {
	ledger     domain.Ledger
	navs       domain.NAVSource
	navTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewTradeService creates a TradeService. navTimeout bounds each NAV lookup;
// a lookup that times out leaves the trade pending instead of failing it.
func NewTradeService(ledger domain.Ledger, navs domain.NAVSource, navTimeout time.Duration, logger *slog.Logger) *TradeService {
	if navTimeout <= 0 {
		navTimeout = 10 * time.Second
	}
	return &TradeService{
		ledger:     ledger,
		navs:       navs,
		navTimeout: navTimeout,
		logger:     logger,
		now:        time.Now,
	}
}

// AddTrade records a purchase of amount currency units of the fund. When the
// confirmation-date NAV is already published the position and the trade log
// are updated atomically; otherwise a pending transaction is recorded and
// resolved by a later sweep.
func (s *TradeService) AddTrade(ctx context.Context, code string, amount decimal.Decimal, tradeTS time.Time) (domain.TradeResult, error) {
	if amount.Sign() <= 0 {
		return domain.TradeResult{}, domain.ErrInvalidAmount
	}
	if tradeTS.IsZero() {
		tradeTS = s.now()
	}
	confirmDate := calendar.ConfirmDate(tradeTS)

	nav, ok := s.lookupNAV(ctx, code, confirmDate)
	if !ok {
		txn := domain.Transaction{
			Code:        code,
			OpType:      domain.OpAdd,
			Amount:      &amount,
			ConfirmDate: confirmDate,
		}
		if _, err := s.ledger.Transactions().Append(ctx, txn); err != nil {
			return domain.TradeResult{}, fmt.Errorf("service: record pending add for %s: %w", code, err)
		}
		s.logger.InfoContext(ctx, "service: add deferred, nav not yet published",
			slog.String("code", code),
			slog.String("amount", amount.String()),
			slog.String("confirm_date", confirmDate.Format(calendar.DateFormat)),
		)
		return domain.TradeResult{Pending: true, ConfirmDate: confirmDate}, nil
	}

	var res domain.TradeResult
	err := s.ledger.SettleTx(ctx, code, func(positions domain.PositionStore, log domain.TransactionStore) error {
		sharesAdded, costAfter, sharesAfter, err := applyAdd(ctx, positions, code, amount, nav)
		if err != nil {
			return err
		}

		appliedAt := s.now()
		txn := domain.Transaction{
			Code:        code,
			OpType:      domain.OpAdd,
			Amount:      &amount,
			ConfirmDate: confirmDate,
			ConfirmNAV:  &nav,
			SharesAdded: &sharesAdded,
			CostAfter:   &costAfter,
			AppliedAt:   &appliedAt,
		}
		if _, err := log.Append(ctx, txn); err != nil {
			return err
		}

		res = domain.TradeResult{
			ConfirmDate: confirmDate,
			ConfirmNAV:  nav,
			SharesAdded: sharesAdded,
			CostAfter:   costAfter,
			SharesAfter: sharesAfter,
		}
		return nil
	})
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("service: settle add for %s: %w", code, err)
	}

	s.logger.InfoContext(ctx, "service: add settled",
		slog.String("code", code),
		slog.String("nav", nav.String()),
		slog.String("shares_added", res.SharesAdded.String()),
		slog.String("cost_after", res.CostAfter.String()),
	)
	return res, nil
}

// ReduceTrade records a redemption of the given share count. Validation
// failures are rejected before any row is written.
func (s *TradeService) ReduceTrade(ctx context.Context, code string, shares decimal.Decimal, tradeTS time.Time) (domain.TradeResult, error) {
	if shares.Sign() <= 0 {
		return domain.TradeResult{}, domain.ErrInvalidShares
	}

	pos, err := s.ledger.Positions().Get(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TradeResult{}, fmt.Errorf("%w %s", domain.ErrNoHoldings, code)
		}
		return domain.TradeResult{}, fmt.Errorf("service: read position %s: %w", code, err)
	}
	if pos.Shares.Sign() <= 0 {
		return domain.TradeResult{}, fmt.Errorf("%w %s", domain.ErrNoHoldings, code)
	}
	if shares.GreaterThan(pos.Shares) {
		return domain.TradeResult{}, fmt.Errorf("%w: requested %s, holding %s",
			domain.ErrInsufficientShares, shares.String(), pos.Shares.String())
	}

	if tradeTS.IsZero() {
		tradeTS = s.now()
	}
	confirmDate := calendar.ConfirmDate(tradeTS)

	nav, ok := s.lookupNAV(ctx, code, confirmDate)
	if !ok {
		txn := domain.Transaction{
			Code:           code,
			OpType:         domain.OpReduce,
			SharesRedeemed: &shares,
			ConfirmDate:    confirmDate,
		}
		if _, err := s.ledger.Transactions().Append(ctx, txn); err != nil {
			return domain.TradeResult{}, fmt.Errorf("service: record pending reduce for %s: %w", code, err)
		}
		s.logger.InfoContext(ctx, "service: reduce deferred, nav not yet published",
			slog.String("code", code),
			slog.String("shares", shares.String()),
			slog.String("confirm_date", confirmDate.Format(calendar.DateFormat)),
		)
		return domain.TradeResult{Pending: true, ConfirmDate: confirmDate}, nil
	}

	var res domain.TradeResult
	err = s.ledger.SettleTx(ctx, code, func(positions domain.PositionStore, log domain.TransactionStore) error {
		amount, costAfter, sharesAfter, err := applyReduce(ctx, positions, code, shares, nav)
		if err != nil {
			return err
		}

		appliedAt := s.now()
		txn := domain.Transaction{
			Code:           code,
			OpType:         domain.OpReduce,
			Amount:         &amount,
			SharesRedeemed: &shares,
			ConfirmDate:    confirmDate,
			ConfirmNAV:     &nav,
			CostAfter:      &costAfter,
			AppliedAt:      &appliedAt,
		}
		if _, err := log.Append(ctx, txn); err != nil {
			return err
		}

		res = domain.TradeResult{
			ConfirmDate: confirmDate,
			ConfirmNAV:  nav,
			Amount:      amount,
			CostAfter:   costAfter,
			SharesAfter: sharesAfter,
		}
		return nil
	})
	if err != nil {
		if domain.IsValidation(err) {
			// Holdings changed between the validation read and the locked
			// settlement; reject without a row, same as the upfront checks.
			return domain.TradeResult{}, err
		}
		return domain.TradeResult{}, fmt.Errorf("service: settle reduce for %s: %w", code, err)
	}

	s.logger.InfoContext(ctx, "service: reduce settled",
		slog.String("code", code),
		slog.String("nav", nav.String()),
		slog.String("amount", res.Amount.String()),
		slog.String("shares_after", res.SharesAfter.String()),
	)
	return res, nil
}

// ListTransactions returns trade-log entries newest first, optionally
// filtered by fund code. limit defaults to 100.
func (s *TradeService) ListTransactions(ctx context.Context, code string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	txns, err := s.ledger.Transactions().List(ctx, code, limit)
	if err != nil {
		return nil, fmt.Errorf("service: list transactions: %w", err)
	}
	return txns, nil
}

// Positions returns all current holdings.
func (s *TradeService) Positions(ctx context.Context) ([]domain.Position, error) {
	positions, err := s.ledger.Positions().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: list positions: %w", err)
	}
	return positions, nil
}

// ProcessPending resolves pending transactions whose confirmation-date NAV
// has since been published, in creation order, and returns the number newly
// settled. Transactions whose NAV is still unavailable stay pending and are
// retried on the next sweep. Running the sweep again with no new NAV data
// settles nothing and performs zero writes.
func (s *TradeService) ProcessPending(ctx context.Context) (int, error) {
	pending, err := s.ledger.Transactions().ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("service: list pending: %w", err)
	}

	settled := 0
	for _, txn := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}

		nav, ok := s.lookupNAV(ctx, txn.Code, txn.ConfirmDate)
		if !ok {
			continue
		}

		err := s.settlePending(ctx, txn, nav)
		switch {
		case err == nil:
			settled++
		case errors.Is(err, domain.ErrAlreadySettled):
			// Lost a race with the request path; the other writer counted it.
		case domain.IsValidation(err):
			s.logger.WarnContext(ctx, "service: pending reduce exceeds current holdings, left pending",
				slog.Int64("id", txn.ID),
				slog.String("code", txn.Code),
				slog.String("error", err.Error()),
			)
		default:
			s.logger.ErrorContext(ctx, "service: pending settlement failed, will retry",
				slog.Int64("id", txn.ID),
				slog.String("code", txn.Code),
				slog.String("error", err.Error()),
			)
		}
	}

	if settled > 0 {
		s.logger.InfoContext(ctx, "service: sweep settled pending transactions",
			slog.Int("count", settled),
			slog.Int("pending", len(pending)),
		)
	}
	return settled, nil
}

// settlePending applies one pending transaction against the current position
// state under the per-code settlement lock. Any error rolls the whole unit
// back, leaving the row pending.
func (s *TradeService) settlePending(ctx context.Context, txn domain.Transaction, nav decimal.Decimal) error {
	return s.ledger.SettleTx(ctx, txn.Code, func(positions domain.PositionStore, log domain.TransactionStore) error {
		switch txn.OpType {
		case domain.OpAdd:
			if txn.Amount == nil {
				return fmt.Errorf("service: pending add %d has no amount", txn.ID)
			}
			sharesAdded, costAfter, _, err := applyAdd(ctx, positions, txn.Code, *txn.Amount, nav)
			if err != nil {
				return err
			}
			return log.MarkSettled(ctx, txn.ID, domain.Settlement{
				ConfirmNAV:  nav,
				SharesAdded: &sharesAdded,
				CostAfter:   costAfter,
				AppliedAt:   s.now(),
			})

		case domain.OpReduce:
			if txn.SharesRedeemed == nil {
				return fmt.Errorf("service: pending reduce %d has no share count", txn.ID)
			}
			amount, costAfter, _, err := applyReduce(ctx, positions, txn.Code, *txn.SharesRedeemed, nav)
			if err != nil {
				return err
			}
			return log.MarkSettled(ctx, txn.ID, domain.Settlement{
				ConfirmNAV: nav,
				Amount:     &amount,
				CostAfter:  costAfter,
				AppliedAt:  s.now(),
			})

		default:
			return fmt.Errorf("service: transaction %d has unknown op type %q", txn.ID, txn.OpType)
		}
	})
}

// lookupNAV queries the NAV source with a bounded timeout. Lookup failures
// are degraded to "unavailable": the trade stays pending rather than failing.
func (s *TradeService) lookupNAV(ctx context.Context, code string, date time.Time) (decimal.Decimal, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()

	nav, err := s.navs.NAVOnDate(lookupCtx, code, date)
	if err != nil {
		if !errors.Is(err, domain.ErrNAVUnavailable) {
			s.logger.WarnContext(ctx, "service: nav lookup failed, treating as unavailable",
				slog.String("code", code),
				slog.String("date", date.Format(calendar.DateFormat)),
				slog.String("error", err.Error()),
			)
		}
		return decimal.Zero, false
	}
	if nav.Sign() <= 0 {
		return decimal.Zero, false
	}
	return nav, true
}

// applyAdd reads the current position, folds the purchase into the
// volume-weighted average cost, and upserts the result. With no prior
// position the cost basis is the settlement NAV itself.
func applyAdd(ctx context.Context, positions domain.PositionStore, code string, amount, nav decimal.Decimal) (sharesAdded, costAfter, sharesAfter decimal.Decimal, err error) {
	sharesAdded = amount.Div(nav).Round(sharesScale)

	pos, err := positions.Get(ctx, code)
	switch {
	case err == nil:
		sharesAfter = pos.Shares.Add(sharesAdded)
		costAfter = pos.Cost.Mul(pos.Shares).
			Add(nav.Mul(sharesAdded)).
			Div(sharesAfter).
			Round(sharesScale)
	case errors.Is(err, domain.ErrNotFound):
		sharesAfter = sharesAdded
		costAfter = nav
	default:
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}

	if err := positions.Upsert(ctx, code, costAfter, sharesAfter); err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	return sharesAdded, costAfter, sharesAfter, nil
}

// applyReduce deducts redeemed shares from the current position. The cost
// basis is unchanged by a partial redemption; a redemption that empties the
// position removes the row and reports a zero cost.
func applyReduce(ctx context.Context, positions domain.PositionStore, code string, sharesRedeemed, nav decimal.Decimal) (amount, costAfter, sharesAfter decimal.Decimal, err error) {
	pos, err := positions.Get(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("%w %s", domain.ErrNoHoldings, code)
		}
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	if pos.Shares.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("%w %s", domain.ErrNoHoldings, code)
	}
	if sharesRedeemed.GreaterThan(pos.Shares) {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("%w: requested %s, holding %s",
			domain.ErrInsufficientShares, sharesRedeemed.String(), pos.Shares.String())
	}

	amount = sharesRedeemed.Mul(nav).Round(amountScale)
	sharesAfter = pos.Shares.Sub(sharesRedeemed).Round(sharesScale)

	if sharesAfter.Sign() <= 0 {
		if err := positions.Remove(ctx, code); err != nil {
			return decimal.Zero, decimal.Zero, decimal.Zero, err
		}
		return amount, decimal.Zero, decimal.Zero, nil
	}

	costAfter = pos.Cost
	if err := positions.Upsert(ctx, code, costAfter, sharesAfter); err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	return amount, costAfter, sharesAfter, nil
}
