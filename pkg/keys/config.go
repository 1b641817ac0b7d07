package keys

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the key lifecycle service and its SLA sweeper.
type Config struct {
	// RequireActivationApproval registers every key as pending_registration
	// until ActivateKey is called.
	RequireActivationApproval bool

	// SweepInterval is how often the SLA sweeper runs.
	SweepInterval time.Duration

	// WarningWindow reports keys whose rotation is due within this window.
	WarningWindow time.Duration

	// BreachWindow is the grace period after rotation_due_at before a key
	// is flagged as breached.
	BreachWindow time.Duration

	// BatchSize caps the keys examined per sweep.
	BatchSize int

	// ApproachingWindow adds the rotation-approaching note to policy
	// summaries.
	ApproachingWindow time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RequireActivationApproval: false,
		SweepInterval:             5 * time.Minute,
		WarningWindow:             72 * time.Hour,
		BreachWindow:              0,
		BatchSize:                 200,
		ApproachingWindow:         24 * time.Hour,
	}
}

// ConfigFromEnv loads config from environment variables.
//
// Environment variables:
//   - TRUST_KEY_REQUIRE_ACTIVATION_APPROVAL: "true" or "false" (default: "false")
//   - TRUST_SLA_SWEEP_INTERVAL: Go duration (default: 5m)
//   - TRUST_SLA_WARNING_WINDOW: Go duration (default: 72h)
//   - TRUST_SLA_BREACH_WINDOW: Go duration (default: 0s)
//   - TRUST_SLA_BATCH_SIZE: keys per sweep (default: 200)
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("TRUST_KEY_REQUIRE_ACTIVATION_APPROVAL"); v != "" {
		cfg.RequireActivationApproval = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TRUST_SLA_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}
	if v := os.Getenv("TRUST_SLA_WARNING_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.WarningWindow = d
		}
	}
	if v := os.Getenv("TRUST_SLA_BREACH_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.BreachWindow = d
		}
	}
	if v := os.Getenv("TRUST_SLA_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}

	return cfg
}
