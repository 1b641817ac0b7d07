package attestation

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kubeflow/trust-ledger/pkg/metrics"
)

// Status is the trust status of a runtime VM instance.
type Status string

const (
	StatusTrusted   Status = "trusted"
	StatusUntrusted Status = "untrusted"
	// StatusUnknown is reported only for instances that were never evaluated.
	StatusUnknown Status = "unknown"
)

// ClockSkew is how far in the future a timestamp may lie and still be fresh.
const ClockSkew = 30 * time.Second

// Evaluation notes.
const (
	NoteMeasurementMatched = "attestation:measurement:matched"
	NoteMeasurementMissing = "attestation:measurement:missing"
	NoteFresh              = "attestation:fresh"
	NoteStale              = "attestation:stale"
	NoteTimestampMissing   = "attestation:timestamp:missing"
	NoteNonceMismatch      = "attestation:nonce:mismatch"
	NoteSignatureVerified  = "attestation:signature:verified"
	NoteSignatureInvalid   = "attestation:signature:invalid"

	noteKindPrefix      = "attestation:kind:"
	noteUntrustedPrefix = "attestation:measurement:untrusted:"
)

// DecisionContext carries the inputs of an evaluation that do not come from
// the evidence.
type DecisionContext struct {
	Now           time.Time
	PolicyVersion string
	// ExpectedNonce, when set, must equal the evidence nonce.
	ExpectedNonce *string
	// TrustRoots verify TPM quote signatures. With no roots configured
	// signatures are not checked.
	TrustRoots []ed25519.PublicKey
}

// Outcome is the result of evaluating one attestation.
type Outcome struct {
	Kind              Kind            `json:"kind"`
	Status            Status          `json:"status"`
	Evidence          json.RawMessage `json:"evidence"`
	Notes             []string        `json:"notes"`
	FreshnessDeadline *time.Time      `json:"freshnessDeadline,omitempty"`
}

// evidencePayload is the audit replay copy of the evidence.
type evidencePayload struct {
	Kind          Kind            `json:"kind"`
	Claims        json.RawMessage `json:"claims"`
	Raw           string          `json:"raw,omitempty"`
	PolicyVersion string          `json:"policy_version"`
}

// Evaluate decides whether n is trusted: its measurement must be in allowed
// and its timestamp within window of dc.Now. The notes record every check;
// a failed freshness check always adds NoteStale, whatever the measurement
// result.
func Evaluate(dc DecisionContext, n *NormalizedAttestation, allowed mapset.Set[string], window time.Duration) Outcome {
	trusted := true
	notes := []string{noteKindPrefix + string(n.Kind)}

	switch {
	case n.Measurement == nil:
		trusted = false
		notes = append(notes, NoteMeasurementMissing)
	case allowed != nil && allowed.Contains(*n.Measurement):
		notes = append(notes, NoteMeasurementMatched)
	default:
		trusted = false
		notes = append(notes, noteUntrustedPrefix+*n.Measurement)
	}

	switch {
	case n.Timestamp == nil:
		trusted = false
		notes = append(notes, NoteTimestampMissing, NoteStale)
	case isFresh(*n.Timestamp, dc.Now, window):
		notes = append(notes, NoteFresh)
	default:
		trusted = false
		notes = append(notes, NoteStale)
	}

	if dc.ExpectedNonce != nil && (n.Nonce == nil || *n.Nonce != *dc.ExpectedNonce) {
		trusted = false
		notes = append(notes, NoteNonceMismatch)
	}

	if n.Kind == KindTPM && len(dc.TrustRoots) > 0 {
		if verifySignature(n, dc.TrustRoots) {
			notes = append(notes, NoteSignatureVerified)
		} else {
			trusted = false
			notes = append(notes, NoteSignatureInvalid)
		}
	}

	out := Outcome{
		Kind:     n.Kind,
		Status:   StatusUntrusted,
		Evidence: buildEvidence(n, dc.PolicyVersion),
		Notes:    notes,
	}
	if trusted {
		out.Status = StatusTrusted
		out.FreshnessDeadline = n.FreshnessDeadline(window)
	}
	metrics.AttestationEvaluations.WithLabelValues(string(n.Kind), string(out.Status)).Inc()
	return out
}

func isFresh(ts, now time.Time, window time.Duration) bool {
	if ts.After(now.Add(ClockSkew)) {
		return false
	}
	return now.Sub(ts) <= window
}

// verifySignature checks the TPM quote signature over the canonical JSON of
// the report claims.
func verifySignature(n *NormalizedAttestation, roots []ed25519.PublicKey) bool {
	if len(n.Signature) != ed25519.SignatureSize {
		return false
	}
	msg, err := CanonicalClaims(n.Claims)
	if err != nil {
		return false
	}
	for _, root := range roots {
		if ed25519.Verify(root, msg, n.Signature) {
			return true
		}
	}
	return false
}

// CanonicalClaims re-encodes claims compactly with sorted object keys, the
// form TPM quote signatures are computed over.
func CanonicalClaims(claims json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(claims))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func buildEvidence(n *NormalizedAttestation, policyVersion string) json.RawMessage {
	p := evidencePayload{
		Kind:          n.Kind,
		Claims:        n.Claims,
		PolicyVersion: policyVersion,
	}
	if len(p.Claims) == 0 {
		p.Claims = json.RawMessage("{}")
	}
	if n.RawQuote != nil {
		p.Raw = base64.StdEncoding.EncodeToString(n.RawQuote)
	}
	b, err := json.Marshal(p)
	if err != nil {
		// Claims were produced by the JSON decoder, so this only happens for
		// hand-built attestations with invalid claims.
		p.Claims = json.RawMessage("{}")
		b, _ = json.Marshal(p)
	}
	return b
}

// RemediationNotes returns the remediation hint recorded with an
// attestation of the given status.
func RemediationNotes(status Status) []string {
	switch status {
	case StatusTrusted:
		return []string{"remediation:none"}
	case StatusUntrusted:
		return []string{"remediation:investigate"}
	default:
		return []string{"remediation:monitor"}
	}
}
