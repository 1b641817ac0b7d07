package audit

import (
	"os"
	"strconv"
)

// AuditConfig controls audit queries.
type AuditConfig struct {
	DefaultLimit int // Default 100
	MaxLimit     int // Default 1000
}

// DefaultAuditConfig returns the default configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		DefaultLimit: 100,
		MaxLimit:     1000,
	}
}

// AuditConfigFromEnv loads config from environment variables.
// TRUST_AUDIT_DEFAULT_LIMIT, TRUST_AUDIT_MAX_LIMIT
func AuditConfigFromEnv() *AuditConfig {
	cfg := DefaultAuditConfig()

	if v := os.Getenv("TRUST_AUDIT_DEFAULT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultLimit = n
		}
	}
	if v := os.Getenv("TRUST_AUDIT_MAX_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxLimit = n
		}
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}

	return cfg
}
