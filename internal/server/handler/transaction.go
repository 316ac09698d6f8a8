package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundval/fundvald/internal/calendar"
	"github.com/fundval/fundvald/internal/domain"
)

// TransactionLister defines the methods that the transaction handler requires.
type TransactionLister interface {
	ListTransactions(ctx context.Context, code string, limit int) ([]domain.Transaction, error)
}

// TransactionHandler serves the trade-log endpoints.
type TransactionHandler struct {
	txns   TransactionLister
	logger *slog.Logger
}

// NewTransactionHandler creates a TransactionHandler.
func NewTransactionHandler(txns TransactionLister, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{txns: txns, logger: logger}
}

type transactionDTO struct {
	ID             int64            `json:"id"`
	Code           string           `json:"code"`
	OpType         string           `json:"op_type"`
	Amount         *decimal.Decimal `json:"amount"`
	SharesRedeemed *decimal.Decimal `json:"shares_redeemed"`
	ConfirmDate    string           `json:"confirm_date"`
	ConfirmNAV     *decimal.Decimal `json:"confirm_nav"`
	SharesAdded    *decimal.Decimal `json:"shares_added"`
	CostAfter      *decimal.Decimal `json:"cost_after"`
	CreatedAt      time.Time        `json:"created_at"`
	AppliedAt      *time.Time       `json:"applied_at"`
	Settled        bool             `json:"settled"`
}

type listTransactionsResponse struct {
	Transactions []transactionDTO `json:"transactions"`
}

// ListTransactions returns trade-log entries, newest first.
// GET /api/transactions?code=000001&limit=100
func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	limit := parseLimit(r, 100, 500)

	txns, err := h.txns.ListTransactions(r.Context(), code, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list transactions failed",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}

	out := make([]transactionDTO, 0, len(txns))
	for _, t := range txns {
		out = append(out, transactionDTO{
			ID:             t.ID,
			Code:           t.Code,
			OpType:         string(t.OpType),
			Amount:         t.Amount,
			SharesRedeemed: t.SharesRedeemed,
			ConfirmDate:    t.ConfirmDate.Format(calendar.DateFormat),
			ConfirmNAV:     t.ConfirmNAV,
			SharesAdded:    t.SharesAdded,
			CostAfter:      t.CostAfter,
			CreatedAt:      t.CreatedAt,
			AppliedAt:      t.AppliedAt,
			Settled:        t.Settled(),
		})
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{Transactions: out})
}
