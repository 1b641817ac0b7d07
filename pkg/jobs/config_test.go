package jobs

import (
	"testing"
	"time"
)

func TestDefaultJobConfig(t *testing.T) {
	cfg := DefaultJobConfig()

	if cfg.Concurrency != 3 {
		t.Errorf("expected Concurrency 3, got %d", cfg.Concurrency)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("expected PollInterval 5s, got %v", cfg.PollInterval)
	}
	if cfg.ClaimTimeout != 10*time.Minute {
		t.Errorf("expected ClaimTimeout 10m, got %v", cfg.ClaimTimeout)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("expected RetentionDays 7, got %d", cfg.RetentionDays)
	}
	if !cfg.Enabled {
		t.Error("expected Enabled to be true")
	}
}

func TestJobConfigFromEnv(t *testing.T) {
	tests := []struct {
		name             string
		envs             map[string]string
		wantConcurrency  int
		wantMaxRetries   int
		wantPollInterval time.Duration
		wantEnabled      bool
	}{
		{
			name:             "defaults",
			envs:             map[string]string{},
			wantConcurrency:  3,
			wantMaxRetries:   3,
			wantPollInterval: 5 * time.Second,
			wantEnabled:      true,
		},
		{
			name: "custom values",
			envs: map[string]string{
				"TRUST_JOB_CONCURRENCY":   "5",
				"TRUST_JOB_MAX_RETRIES":   "0",
				"TRUST_JOB_POLL_INTERVAL": "250ms",
				"TRUST_JOB_ENABLED":       "false",
			},
			wantConcurrency:  5,
			wantMaxRetries:   0,
			wantPollInterval: 250 * time.Millisecond,
			wantEnabled:      false,
		},
		{
			name: "invalid values fall back to defaults",
			envs: map[string]string{
				"TRUST_JOB_CONCURRENCY":   "-1",
				"TRUST_JOB_MAX_RETRIES":   "many",
				"TRUST_JOB_POLL_INTERVAL": "5",
				"TRUST_JOB_ENABLED":       "maybe",
			},
			wantConcurrency:  3,
			wantMaxRetries:   3,
			wantPollInterval: 5 * time.Second,
			wantEnabled:      true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.envs {
				t.Setenv(k, v)
			}

			cfg := JobConfigFromEnv()
			if cfg.Concurrency != tc.wantConcurrency {
				t.Errorf("Concurrency: expected %d, got %d", tc.wantConcurrency, cfg.Concurrency)
			}
			if cfg.MaxRetries != tc.wantMaxRetries {
				t.Errorf("MaxRetries: expected %d, got %d", tc.wantMaxRetries, cfg.MaxRetries)
			}
			if cfg.PollInterval != tc.wantPollInterval {
				t.Errorf("PollInterval: expected %v, got %v", tc.wantPollInterval, cfg.PollInterval)
			}
			if cfg.Enabled != tc.wantEnabled {
				t.Errorf("Enabled: expected %v, got %v", tc.wantEnabled, cfg.Enabled)
			}
		})
	}
}
