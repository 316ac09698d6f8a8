package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FUNDVAL_* environment variable overrides, and
// returns the final Config. A missing config file is not an error: defaults
// plus environment overrides are enough to run. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUNDVAL_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "FUNDVAL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FUNDVAL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FUNDVAL_SERVER_API_KEY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUNDVAL_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FUNDVAL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUNDVAL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUNDVAL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUNDVAL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUNDVAL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUNDVAL_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUNDVAL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUNDVAL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUNDVAL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUNDVAL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUNDVAL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUNDVAL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUNDVAL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUNDVAL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUNDVAL_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.NAVTTL, "FUNDVAL_REDIS_NAV_TTL")

	// ── NAV source ──
	setStr(&cfg.NAV.BaseURL, "FUNDVAL_NAV_BASE_URL")
	setDuration(&cfg.NAV.Timeout, "FUNDVAL_NAV_TIMEOUT")

	// ── Sweep ──
	setBool(&cfg.Sweep.Enabled, "FUNDVAL_SWEEP_ENABLED")
	setDuration(&cfg.Sweep.Interval, "FUNDVAL_SWEEP_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "FUNDVAL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
