// Package config defines the top-level configuration for the fund ledger
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by FUNDVAL_* environment
// variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	NAV      NAVConfig      `toml:"nav"`
	Sweep    SweepConfig    `toml:"sweep"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	NAVTTL     duration `toml:"nav_ttl"`
}

// NAVConfig holds NAV data-source parameters.
type NAVConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// SweepConfig holds reconciliation sweep parameters.
type SweepConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 21345,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fundval",
			User:          "fundval",
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			NAVTTL: duration{24 * time.Hour},
		},
		NAV: NAVConfig{
			BaseURL: "http://fund.eastmoney.com",
			Timeout: duration{10 * time.Second},
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Interval: duration{10 * time.Minute},
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for inconsistencies and returns a single
// error aggregating every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}

	if c.Postgres.DSN == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: either dsn or host must be set")
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	if c.NAV.BaseURL == "" {
		errs = append(errs, "nav: base_url must not be empty")
	}
	if c.NAV.Timeout.Duration <= 0 {
		errs = append(errs, "nav: timeout must be positive")
	}

	if c.Sweep.Enabled && c.Sweep.Interval.Duration <= 0 {
		errs = append(errs, "sweep: interval must be positive when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
