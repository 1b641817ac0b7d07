package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := ConfigFromEnv()
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("TRUST_REMEDIATION_DEFAULT_PLAYBOOK", " reimage ")
		t.Setenv("TRUST_TERMINAL_AFTER", "0")
		t.Setenv("TRUST_TRANSITION_RETRIES", "5")
		cfg := ConfigFromEnv()
		assert.Equal(t, "reimage", cfg.DefaultPlaybook)
		assert.Equal(t, 0, cfg.TerminalAfter)
		assert.Equal(t, 5, cfg.TransitionRetries)
	})

	t.Run("invalid values keep defaults", func(t *testing.T) {
		t.Setenv("TRUST_TERMINAL_AFTER", "-1")
		t.Setenv("TRUST_TRANSITION_RETRIES", "zero")
		cfg := ConfigFromEnv()
		assert.Equal(t, 3, cfg.TerminalAfter)
		assert.Equal(t, 3, cfg.TransitionRetries)
	})
}
