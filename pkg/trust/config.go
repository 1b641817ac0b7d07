package trust

import (
	"os"
	"strconv"
	"strings"
)

// Config controls how the processor reacts to evaluated evidence.
type Config struct {
	// DefaultPlaybook is started against an instance whose attestation is
	// untrusted. Empty disables automatic remediation.
	DefaultPlaybook string

	// TerminalAfter is the number of consecutive untrusted attestations
	// after which an instance is treated as terminally untrusted and the
	// keys bound to it are revoked. Zero disables revocation.
	TerminalAfter int

	// TransitionRetries bounds the re-read and retry loop when a transition
	// loses its prior-status check.
	TransitionRetries int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultPlaybook:   "",
		TerminalAfter:     3,
		TransitionRetries: 3,
	}
}

// ConfigFromEnv loads config from environment variables.
//
// Environment variables:
//   - TRUST_REMEDIATION_DEFAULT_PLAYBOOK: playbook key (default: none)
//   - TRUST_TERMINAL_AFTER: consecutive untrusted attestations (default: 3)
//   - TRUST_TRANSITION_RETRIES: attempts per transition (default: 3)
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("TRUST_REMEDIATION_DEFAULT_PLAYBOOK"); v != "" {
		cfg.DefaultPlaybook = strings.TrimSpace(v)
	}
	if v := os.Getenv("TRUST_TERMINAL_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.TerminalAfter = n
		}
	}
	if v := os.Getenv("TRUST_TRANSITION_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TransitionRetries = n
		}
	}

	return cfg
}
