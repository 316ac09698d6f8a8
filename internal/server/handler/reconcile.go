package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// Sweeper defines the methods that the reconcile handler requires.
type Sweeper interface {
	ProcessPending(ctx context.Context) (int, error)
}

// ReconcileHandler serves the manual reconciliation trigger.
type ReconcileHandler struct {
	sweeper Sweeper
	logger  *slog.Logger
}

// NewReconcileHandler creates a ReconcileHandler.
func NewReconcileHandler(sweeper Sweeper, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{sweeper: sweeper, logger: logger}
}

type reconcileResponse struct {
	OK      bool `json:"ok"`
	Settled int  `json:"settled"`
}

// TriggerSweep runs one reconciliation sweep synchronously and reports how
// many pending transactions it settled. Safe to run at any time: settlement
// is serialized per fund code and already-settled rows are never reapplied.
// POST /api/reconcile/trigger
func (h *ReconcileHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	settled, err := h.sweeper.ProcessPending(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: reconciliation sweep failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "reconciliation sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, reconcileResponse{OK: true, Settled: settled})
}
