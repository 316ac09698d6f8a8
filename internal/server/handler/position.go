package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/fundval/fundvald/internal/domain"
)

// PositionLister defines the methods that the position handler requires.
type PositionLister interface {
	Positions(ctx context.Context) ([]domain.Position, error)
}

// PositionHandler serves the holdings endpoints.
type PositionHandler struct {
	positions PositionLister
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionLister, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns all current holdings.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.Positions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
