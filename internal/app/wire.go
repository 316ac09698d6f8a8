package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fundval/fundvald/internal/cache/redis"
	"github.com/fundval/fundvald/internal/config"
	"github.com/fundval/fundvald/internal/domain"
	"github.com/fundval/fundvald/internal/navsource"
	"github.com/fundval/fundvald/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application needs.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Ledger      domain.Ledger
	NAVSource   domain.NAVSource
	LockManager domain.LockManager
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	// --- NAV source: HTTP client behind a redis read-through cache ---
	eastmoney := navsource.NewEastmoneyClient(cfg.NAV.BaseURL, cfg.NAV.Timeout.Duration)

	deps := &Dependencies{
		Ledger:      postgres.NewLedger(pgClient.Pool()),
		NAVSource:   redis.NewNAVCache(redisClient, eastmoney, cfg.Redis.NAVTTL.Duration),
		LockManager: redis.NewLockManager(redisClient),
	}

	logger.InfoContext(ctx, "wire: dependencies ready")
	return deps, cleanup, nil
}
