// Package ha lets several trust-server replicas share one database: schema
// migrations are serialized behind a lock, and singleton loops (the key SLA
// sweeper and the job workers) run only on the Lease holder.
package ha

import (
	"hash/crc32"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for high-availability features.
type Config struct {
	// LeaderElectionEnabled turns on Lease-based leader election. When
	// false the replica leads unconditionally.
	LeaderElectionEnabled bool

	LeaseName      string
	LeaseNamespace string

	// LeaseDuration is how long non-leaders wait before trying to take over
	// an unrenewed lease.
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration

	MigrationLockEnabled bool

	// MigrationLockID is the postgres advisory lock key held while
	// migrations run.
	MigrationLockID int64

	// Identity names this replica in the Lease and in the fallback lock
	// table. Defaults to POD_NAME, then the hostname.
	Identity string
}

// DefaultMigrationLockID is derived from a fixed string so every replica of
// every version agrees on it.
var DefaultMigrationLockID = int64(crc32.ChecksumIEEE([]byte("trust-server-migration")))

// DefaultConfig returns a Config for a single replica.
func DefaultConfig() *Config {
	ns := os.Getenv("POD_NAMESPACE")
	if ns == "" {
		ns = "trust-system"
	}
	return &Config{
		LeaderElectionEnabled: false,
		LeaseName:             "trust-server-leader",
		LeaseNamespace:        ns,
		LeaseDuration:         15 * time.Second,
		RenewDeadline:         10 * time.Second,
		RetryPeriod:           2 * time.Second,
		MigrationLockEnabled:  true,
		MigrationLockID:       DefaultMigrationLockID,
		Identity:              defaultIdentity(),
	}
}

// ConfigFromEnv reads HA configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - TRUST_LEADER_ELECTION: "true" or "1" to enable (default: disabled)
//   - TRUST_LEASE_NAME: Lease resource name (default: "trust-server-leader")
//   - TRUST_LEASE_NAMESPACE: Lease namespace (default: POD_NAMESPACE or "trust-system")
//   - TRUST_LEASE_DURATION, TRUST_RENEW_DEADLINE, TRUST_RETRY_PERIOD: Go
//     durations ("15s") or whole seconds ("15")
//   - TRUST_MIGRATION_LOCK: "false" or "0" to disable (default: enabled)
//   - TRUST_MIGRATION_LOCK_ID: advisory lock key
//   - POD_NAME: replica identity
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("TRUST_LEADER_ELECTION"); v != "" {
		cfg.LeaderElectionEnabled = parseBool(v)
	}
	if v := os.Getenv("TRUST_LEASE_NAME"); v != "" {
		cfg.LeaseName = v
	}
	if v := os.Getenv("TRUST_LEASE_NAMESPACE"); v != "" {
		cfg.LeaseNamespace = v
	}
	if d, ok := envDuration("TRUST_LEASE_DURATION"); ok {
		cfg.LeaseDuration = d
	}
	if d, ok := envDuration("TRUST_RENEW_DEADLINE"); ok {
		cfg.RenewDeadline = d
	}
	if d, ok := envDuration("TRUST_RETRY_PERIOD"); ok {
		cfg.RetryPeriod = d
	}
	if v := os.Getenv("TRUST_MIGRATION_LOCK"); v != "" {
		cfg.MigrationLockEnabled = parseBool(v)
	}
	if v := os.Getenv("TRUST_MIGRATION_LOCK_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MigrationLockID = id
		}
	}
	if v := os.Getenv("POD_NAME"); v != "" {
		cfg.Identity = v
	}

	return cfg
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, secs > 0
	}
	d, err := time.ParseDuration(v)
	return d, err == nil && d > 0
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
