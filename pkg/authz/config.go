package authz

import (
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/client-go/kubernetes"
)

// AuthzMode selects the authorization backend.
type AuthzMode string

const (
	// AuthzModeNone disables authorization checks.
	AuthzModeNone AuthzMode = "none"
	// AuthzModeSAR uses Kubernetes SubjectAccessReview for authorization.
	AuthzModeSAR AuthzMode = "sar"
)

// Config selects and tunes the authorizer.
type Config struct {
	Mode AuthzMode
	// Namespace scopes SubjectAccessReviews. Empty means cluster scoped.
	Namespace string
	CacheTTL  time.Duration
}

// ConfigFromEnv reads TRUST_AUTHZ_MODE, TRUST_AUTHZ_NAMESPACE and
// TRUST_AUTHZ_CACHE_TTL.
func ConfigFromEnv() *Config {
	cfg := &Config{Mode: AuthzModeNone, CacheTTL: DefaultCacheTTL}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("TRUST_AUTHZ_MODE"))); v != "" {
		cfg.Mode = AuthzMode(v)
	}
	cfg.Namespace = os.Getenv("TRUST_AUTHZ_NAMESPACE")
	if v := os.Getenv("TRUST_AUTHZ_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.CacheTTL = d
		}
	}
	return cfg
}

// NewAuthorizer builds the authorizer for cfg. SAR mode needs a client.
func NewAuthorizer(cfg *Config, client kubernetes.Interface) (Authorizer, error) {
	switch cfg.Mode {
	case AuthzModeNone, "":
		return &NoopAuthorizer{}, nil
	case AuthzModeSAR:
		if client == nil {
			return nil, fmt.Errorf("authz mode %q requires a Kubernetes client", cfg.Mode)
		}
		var a Authorizer = NewSARAuthorizer(client)
		if cfg.CacheTTL > 0 {
			a = NewCachedAuthorizer(a, cfg.CacheTTL)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown authz mode %q", cfg.Mode)
	}
}
