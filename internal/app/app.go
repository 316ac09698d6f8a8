// Package app provides the top-level application lifecycle for the fund
// ledger service. It wires together the store, cache, NAV source, trade
// service, HTTP server, and reconciliation sweep, and runs them until the
// context is cancelled.
package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fundval/fundvald/internal/config"
	"github.com/fundval/fundvald/internal/server"
	"github.com/fundval/fundvald/internal/server/handler"
	"github.com/fundval/fundvald/internal/service"
	"github.com/fundval/fundvald/internal/sweep"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the HTTP server and the reconciliation
// sweep, and blocks until the context is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, cleanup)

	trades := service.NewTradeService(
		deps.Ledger,
		deps.NAVSource,
		a.cfg.NAV.Timeout.Duration,
		a.logger.With(slog.String("component", "trade_service")),
	)

	runner := sweep.NewRunner(
		trades,
		deps.LockManager,
		a.cfg.Sweep.Interval.Duration,
		a.logger.With(slog.String("component", "sweep")),
	)

	handlerLogger := a.logger.With(slog.String("component", "handler"))
	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
		},
		server.Handlers{
			Health:       handler.NewHealthHandler(),
			Trades:       handler.NewTradeHandler(trades, handlerLogger),
			Transactions: handler.NewTransactionHandler(trades, handlerLogger),
			Positions:    handler.NewPositionHandler(trades, handlerLogger),
			Reconcile:    handler.NewReconcileHandler(trades, handlerLogger),
		},
		a.logger.With(slog.String("component", "server")),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.cfg.Sweep.Enabled {
		g.Go(func() error {
			err := runner.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return err
		})
	}

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
