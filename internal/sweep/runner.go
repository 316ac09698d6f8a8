// Package sweep runs the periodic reconciliation loop that resolves pending
// transactions once their confirmation-date NAV has been published.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fundval/fundvald/internal/domain"
)

// lockKey guards the sweep across instances: two overlapping sweeps would
// both be correct but would race each other's NAV lookups for nothing.
const lockKey = "reconcile-sweep"

// Settler is the slice of the trade service the runner needs.
type Settler interface {
	ProcessPending(ctx context.Context) (int, error)
}

// Runner invokes the reconciliation sweep on a fixed interval and on manual
// triggers. A cycle that fails is logged and retried on the next tick; the
// loop itself only stops with its context.
type Runner struct {
	settler  Settler
	locks    domain.LockManager
	interval time.Duration
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewRunner creates a Runner. locks may be nil, in which case cycles run
// unguarded (single-instance deployments).
func NewRunner(settler Settler, locks domain.LockManager, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Runner{
		settler:  settler,
		locks:    locks,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   logger,
	}
}

// Trigger requests one sweep cycle out of schedule. The send is non-blocking;
// a trigger that arrives while one is already queued is folded into it.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run executes the sweep immediately, then on every tick or trigger, until
// the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("sweep: runner starting",
		slog.Duration("interval", r.interval),
	)

	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sweep: runner stopped")
			return ctx.Err()
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.trigger:
			r.runOnce(ctx)
		}
	}
}

// runOnce performs a single guarded sweep cycle.
func (r *Runner) runOnce(ctx context.Context) {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, lockKey, 2*r.interval)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				r.logger.DebugContext(ctx, "sweep: cycle skipped, lock held elsewhere")
			} else {
				r.logger.WarnContext(ctx, "sweep: lock acquisition failed, skipping cycle",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		defer unlock()
	}

	start := time.Now()
	settled, err := r.settler.ProcessPending(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "sweep: cycle failed",
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.InfoContext(ctx, "sweep: cycle complete",
		slog.Int("settled", settled),
		slog.Duration("duration", time.Since(start)),
	)
}
