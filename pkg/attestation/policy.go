package attestation

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"
)

// Policy is the trust policy attestations are evaluated against.
type Policy struct {
	Version             string        `yaml:"version"`
	AllowedMeasurements []string      `yaml:"allowedMeasurements"`
	FreshnessWindow     time.Duration `yaml:"freshnessWindow"`
	// TrustRoots are base64 ed25519 public keys that sign TPM quotes.
	TrustRoots []string `yaml:"trustRoots"`
}

// DefaultPolicy returns an empty allow-list with a five minute freshness
// window. Nothing is trusted until measurements are configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:         "default",
		FreshnessWindow: 5 * time.Minute,
	}
}

// AllowedSet returns the canonical allow-list.
func (p *Policy) AllowedSet() mapset.Set[string] {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, m := range p.AllowedMeasurements {
		if v := strings.ToLower(strings.TrimSpace(m)); v != "" {
			set.Add(v)
		}
	}
	return set
}

// Roots decodes TrustRoots.
func (p *Policy) Roots() ([]ed25519.PublicKey, error) {
	roots := make([]ed25519.PublicKey, 0, len(p.TrustRoots))
	for i, r := range p.TrustRoots {
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("trust root %d is not valid base64: %w", i, err)
		}
		if len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trust root %d is %d bytes, want %d", i, len(b), ed25519.PublicKeySize)
		}
		roots = append(roots, ed25519.PublicKey(b))
	}
	return roots, nil
}

// Validate checks the policy for values Evaluate cannot use.
func (p *Policy) Validate() error {
	if p.FreshnessWindow <= 0 {
		return fmt.Errorf("freshnessWindow must be positive, got %s", p.FreshnessWindow)
	}
	if _, err := p.Roots(); err != nil {
		return err
	}
	return nil
}

// Context returns the DecisionContext for an evaluation at now.
func (p *Policy) Context(now time.Time, nonce *string) (DecisionContext, error) {
	roots, err := p.Roots()
	if err != nil {
		return DecisionContext{}, err
	}
	return DecisionContext{
		Now:           now,
		PolicyVersion: p.Version,
		ExpectedNonce: nonce,
		TrustRoots:    roots,
	}, nil
}

// LoadPolicyFile reads a YAML trust policy. Fields absent from the file keep
// their DefaultPolicy values.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}

// PolicyFromEnv loads the trust policy.
//
// Environment variables:
//   - TRUST_ATTESTATION_POLICY_FILE: YAML policy file (optional)
//   - TRUST_ATTESTATION_FRESHNESS_WINDOW: Go duration, overrides the file
//   - TRUST_ATTESTATION_ALLOWED_MEASUREMENTS: comma separated, added to the file's list
//   - TRUST_ATTESTATION_POLICY_VERSION: overrides the file's version
func PolicyFromEnv() (*Policy, error) {
	p := DefaultPolicy()
	if path := os.Getenv("TRUST_ATTESTATION_POLICY_FILE"); path != "" {
		loaded, err := LoadPolicyFile(path)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	if v := os.Getenv("TRUST_ATTESTATION_FRESHNESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			p.FreshnessWindow = d
		}
	}
	if v := os.Getenv("TRUST_ATTESTATION_ALLOWED_MEASUREMENTS"); v != "" {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				p.AllowedMeasurements = append(p.AllowedMeasurements, m)
			}
		}
	}
	if v := os.Getenv("TRUST_ATTESTATION_POLICY_VERSION"); v != "" {
		p.Version = v
	}
	return p, nil
}
