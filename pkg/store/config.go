package store

import (
	"os"
	"strconv"
	"time"
)

// DBConfig selects and tunes the relational store.
type DBConfig struct {
	Type            string // postgres, mysql or sqlite
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultDBConfig returns the default configuration.
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		Type:            "postgres",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DBConfigFromEnv loads config from environment variables.
// TRUST_DB_TYPE, TRUST_DB_DSN, TRUST_DB_MAX_OPEN_CONNS,
// TRUST_DB_MAX_IDLE_CONNS, TRUST_DB_CONN_MAX_LIFETIME
func DBConfigFromEnv() *DBConfig {
	cfg := DefaultDBConfig()

	if v := os.Getenv("TRUST_DB_TYPE"); v != "" {
		cfg.Type = v
	}
	if v := os.Getenv("TRUST_DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("TRUST_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOpenConns = n
		}
	}
	if v := os.Getenv("TRUST_DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxIdleConns = n
		}
	}
	if v := os.Getenv("TRUST_DB_CONN_MAX_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ConnMaxLifetime = d
		}
	}

	return cfg
}
