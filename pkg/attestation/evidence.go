// Package attestation normalizes hardware attestation evidence from runtime
// VMs and evaluates it against a trust policy.
package attestation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

// Kind is the hardware attestation technology that produced evidence.
type Kind string

const (
	KindTPM     Kind = "tpm"
	KindSEVSNP  Kind = "amd-sev-snp"
	KindTDX     Kind = "intel-tdx"
	KindUnknown Kind = "unknown"
)

// Evidence is the parsed form of raw evidence. The concrete types are
// TPMEvidence, SEVEvidence, TDXEvidence and UnrecognizedEvidence.
type Evidence interface {
	Kind() Kind
	normalize() (*NormalizedAttestation, error)
}

// report holds the fields shared by every evidence container. Pointer fields
// distinguish absent values from empty ones; a field of the wrong JSON type
// fails decoding.
type report struct {
	Measurement *string         `json:"measurement"`
	MRTD        *string         `json:"mrtd"`
	MRSEAM      *string         `json:"mrseam"`
	Timestamp   json.RawMessage `json:"timestamp"`
	Nonce       *string         `json:"nonce"`
	ReportData  *string         `json:"report_data"`
	Raw         *string         `json:"raw"`
}

// TPMEvidence is a TPM quote: {"quote": {"report": {...}, "raw", "signature"}}.
type TPMEvidence struct {
	Report    report
	Claims    json.RawMessage
	Raw       *string
	Signature *string
}

// SEVEvidence is an AMD SEV-SNP report under "amd_sev_snp" or "sev_report".
type SEVEvidence struct {
	Container string
	Report    report
	Claims    json.RawMessage
}

// TDXEvidence is an Intel TDX quote under "tdx_quote" or "tdreport".
type TDXEvidence struct {
	Container string
	Report    report
	Claims    json.RawMessage
}

// UnrecognizedEvidence is a JSON object of no known shape.
type UnrecognizedEvidence struct {
	Claims json.RawMessage
}

func (TPMEvidence) Kind() Kind          { return KindTPM }
func (SEVEvidence) Kind() Kind          { return KindSEVSNP }
func (TDXEvidence) Kind() Kind          { return KindTDX }
func (UnrecognizedEvidence) Kind() Kind { return KindUnknown }

// NormalizedAttestation is the canonical form of evidence of any kind.
type NormalizedAttestation struct {
	Kind        Kind
	Measurement *string
	Nonce       *string
	Timestamp   *time.Time
	RawQuote    []byte
	// Signature is the detached quote signature (TPM only).
	Signature []byte
	// Claims is the evidence container as a JSON object.
	Claims json.RawMessage
}

// FreshnessDeadline returns the instant the evidence stops being fresh under
// window, or nil when it carries no timestamp.
func (n *NormalizedAttestation) FreshnessDeadline(window time.Duration) *time.Time {
	if n.Timestamp == nil {
		return nil
	}
	d := n.Timestamp.Add(window)
	return &d
}

// ParseEvidence classifies raw by the presence of format-specific keys.
// Evidence that is not a JSON object, or whose known fields have the wrong
// type, is a validation error; an unknown shape is not.
func ParseEvidence(raw []byte) (Evidence, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return nil, store.Validationf("attestation evidence must be a JSON object")
	}

	if q, ok := top["quote"]; ok {
		var quote struct {
			Report    json.RawMessage `json:"report"`
			Raw       *string         `json:"raw"`
			Signature *string         `json:"signature"`
		}
		if err := json.Unmarshal(q, &quote); err != nil {
			return nil, store.Validationf("invalid TPM quote: %v", err)
		}
		if isNull(quote.Report) {
			return nil, store.Validationf("TPM quote is missing its report")
		}
		ev := TPMEvidence{Claims: quote.Report, Raw: quote.Raw, Signature: quote.Signature}
		if err := decodeReport(quote.Report, &ev.Report); err != nil {
			return nil, err
		}
		// A raw quote may also sit next to the quote object.
		if ev.Raw == nil {
			if err := optionalString(top, "raw", &ev.Raw); err != nil {
				return nil, err
			}
		}
		return ev, nil
	}

	for _, c := range []string{"amd_sev_snp", "sev_report"} {
		if body, ok := top[c]; ok {
			ev := SEVEvidence{Container: c, Claims: body}
			if err := decodeReport(body, &ev.Report); err != nil {
				return nil, err
			}
			return ev, nil
		}
	}

	for _, c := range []string{"tdx_quote", "tdreport"} {
		if body, ok := top[c]; ok {
			ev := TDXEvidence{Container: c, Claims: body}
			if err := decodeReport(body, &ev.Report); err != nil {
				return nil, err
			}
			return ev, nil
		}
	}

	return UnrecognizedEvidence{Claims: json.RawMessage(raw)}, nil
}

// Normalize parses raw evidence and maps it to its canonical form.
func Normalize(raw []byte) (*NormalizedAttestation, error) {
	ev, err := ParseEvidence(raw)
	if err != nil {
		return nil, err
	}
	return ev.normalize()
}

func (e TPMEvidence) normalize() (*NormalizedAttestation, error) {
	n, err := e.Report.normalize(KindTPM, e.Claims, e.Report.Measurement, e.Report.Nonce)
	if err != nil {
		return nil, err
	}
	if e.Raw != nil {
		if n.RawQuote, err = decodeQuote(*e.Raw); err != nil {
			return nil, err
		}
	}
	if e.Signature != nil {
		if n.Signature, err = base64.StdEncoding.DecodeString(strings.TrimSpace(*e.Signature)); err != nil {
			return nil, store.Validationf("invalid TPM quote signature encoding: %v", err)
		}
	}
	return n, nil
}

func (e SEVEvidence) normalize() (*NormalizedAttestation, error) {
	return e.Report.normalize(KindSEVSNP, e.Claims, e.Report.Measurement, e.Report.Nonce)
}

func (e TDXEvidence) normalize() (*NormalizedAttestation, error) {
	// mrtd is only read from quotes that carry neither mrseam nor measurement.
	measurement := firstString(e.Report.MRSEAM, e.Report.Measurement, e.Report.MRTD)
	nonce := firstString(e.Report.ReportData, e.Report.Nonce)
	return e.Report.normalize(KindTDX, e.Claims, measurement, nonce)
}

func (e UnrecognizedEvidence) normalize() (*NormalizedAttestation, error) {
	return &NormalizedAttestation{Kind: KindUnknown, Claims: e.Claims}, nil
}

func (r *report) normalize(kind Kind, claims json.RawMessage, measurement, nonce *string) (*NormalizedAttestation, error) {
	n := &NormalizedAttestation{
		Kind:        kind,
		Measurement: canonicalMeasurement(measurement),
		Nonce:       nonce,
		Claims:      claims,
	}
	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return nil, err
	}
	n.Timestamp = ts
	if kind != KindTPM && r.Raw != nil {
		if n.RawQuote, err = decodeQuote(*r.Raw); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func decodeReport(body json.RawMessage, r *report) error {
	if err := json.Unmarshal(body, r); err != nil {
		return store.Validationf("invalid attestation report: %v", err)
	}
	return nil
}

func optionalString(top map[string]json.RawMessage, key string, dst **string) error {
	v, ok := top[key]
	if !ok || isNull(v) {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return store.Validationf("%s must be a string", key)
	}
	*dst = &s
	return nil
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

func firstString(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// canonicalMeasurement trims and lowercases a measurement. A blank
// measurement is treated as absent.
func canonicalMeasurement(m *string) *string {
	if m == nil {
		return nil
	}
	v := strings.ToLower(strings.TrimSpace(*m))
	if v == "" {
		return nil
	}
	return &v
}

func decodeQuote(v string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, store.Validationf("invalid attestation raw quote encoding: %v", err)
	}
	return b, nil
}

// parseTimestamp accepts an RFC 3339 string or unix seconds.
func parseTimestamp(v json.RawMessage) (*time.Time, error) {
	if isNull(v) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
		if err != nil {
			return nil, store.Validationf("invalid attestation timestamp %q", s)
		}
		ts = ts.UTC()
		return &ts, nil
	}
	secs, err := strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64)
	if err != nil {
		return nil, store.Validationf("invalid attestation timestamp %s", v)
	}
	ts := time.Unix(secs, 0).UTC()
	return &ts, nil
}
