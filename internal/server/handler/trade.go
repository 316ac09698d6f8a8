package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundval/fundvald/internal/calendar"
	"github.com/fundval/fundvald/internal/domain"
)

// TradeService defines the methods that the trade handler requires.
type TradeService interface {
	AddTrade(ctx context.Context, code string, amount decimal.Decimal, tradeTS time.Time) (domain.TradeResult, error)
	ReduceTrade(ctx context.Context, code string, shares decimal.Decimal, tradeTS time.Time) (domain.TradeResult, error)
}

// TradeHandler serves the add/reduce trade endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given service and logger.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

type addTradeRequest struct {
	Code    string          `json:"code"`
	Amount  decimal.Decimal `json:"amount"`
	TradeTS string          `json:"trade_ts"`
}

type reduceTradeRequest struct {
	Code    string          `json:"code"`
	Shares  decimal.Decimal `json:"shares"`
	TradeTS string          `json:"trade_ts"`
}

type tradeResponse struct {
	OK          bool             `json:"ok"`
	Pending     bool             `json:"pending,omitempty"`
	Message     string           `json:"message,omitempty"`
	ConfirmDate string           `json:"confirm_date,omitempty"`
	ConfirmNAV  *decimal.Decimal `json:"confirm_nav,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	SharesAdded *decimal.Decimal `json:"shares_added,omitempty"`
	CostAfter   *decimal.Decimal `json:"cost_after,omitempty"`
	SharesAfter *decimal.Decimal `json:"shares_after,omitempty"`
}

// AddTrade records a purchase.
// POST /api/trades/add
func (h *TradeHandler) AddTrade(w http.ResponseWriter, r *http.Request) {
	var req addTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "fund code required")
		return
	}
	tradeTS, err := parseTradeTS(req.TradeTS)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade_ts")
		return
	}

	res, err := h.trades.AddTrade(r.Context(), req.Code, req.Amount, tradeTS)
	if err != nil {
		h.respondError(w, r, "add", req.Code, err)
		return
	}
	writeJSON(w, http.StatusOK, h.tradeResult(domain.OpAdd, res))
}

// ReduceTrade records a redemption.
// POST /api/trades/reduce
func (h *TradeHandler) ReduceTrade(w http.ResponseWriter, r *http.Request) {
	var req reduceTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "fund code required")
		return
	}
	tradeTS, err := parseTradeTS(req.TradeTS)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade_ts")
		return
	}

	res, err := h.trades.ReduceTrade(r.Context(), req.Code, req.Shares, tradeTS)
	if err != nil {
		h.respondError(w, r, "reduce", req.Code, err)
		return
	}
	writeJSON(w, http.StatusOK, h.tradeResult(domain.OpReduce, res))
}

func (h *TradeHandler) respondError(w http.ResponseWriter, r *http.Request, op, code string, err error) {
	if domain.IsValidation(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.ErrorContext(r.Context(), "handler: trade failed",
		slog.String("op", op),
		slog.String("code", code),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "trade could not be recorded")
}

func (h *TradeHandler) tradeResult(op domain.OpType, res domain.TradeResult) tradeResponse {
	confirmDate := res.ConfirmDate.Format(calendar.DateFormat)

	if res.Pending {
		return tradeResponse{
			OK:          true,
			Pending:     true,
			ConfirmDate: confirmDate,
			Message:     "trade recorded; holdings update automatically once the nav for " + confirmDate + " is published",
		}
	}

	out := tradeResponse{
		OK:          true,
		ConfirmDate: confirmDate,
		ConfirmNAV:  &res.ConfirmNAV,
		CostAfter:   &res.CostAfter,
		SharesAfter: &res.SharesAfter,
	}
	switch op {
	case domain.OpAdd:
		out.SharesAdded = &res.SharesAdded
	case domain.OpReduce:
		out.Amount = &res.Amount
	}
	return out
}
