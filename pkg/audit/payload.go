package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the typed body of an audit event. Each event type has exactly
// one payload struct; rows written by a newer release decode as
// UnrecognizedPayload.
type Payload interface {
	EventType() EventType
	// RecordedState is the key state the event records ("" when none).
	RecordedState() string
}

type RegisteredPayload struct {
	Alias         string     `json:"alias,omitempty"`
	Actor         string     `json:"actor,omitempty"`
	RotationDueAt *time.Time `json:"rotation_due_at,omitempty"`
	HasDigest     bool       `json:"has_attestation_digest"`
	FinalState    string     `json:"final_state"`
}

type ActivationApprovedPayload struct {
	Actor      string `json:"actor,omitempty"`
	FinalState string `json:"final_state"`
}

type RotationRequestedPayload struct {
	RotationID     string `json:"rotation_id"`
	CandidateKeyID string `json:"candidate_key_id"`
	Actor          string `json:"actor,omitempty"`
	State          string `json:"state"`
}

type RotationApprovedPayload struct {
	RotationID   string `json:"rotation_id"`
	RetiredKeyID string `json:"retired_key_id"`
	Actor        string `json:"actor,omitempty"`
	FinalState   string `json:"final_state"`
}

type RotationFailedPayload struct {
	RotationID     string `json:"rotation_id"`
	CandidateKeyID string `json:"candidate_key_id"`
	Reason         string `json:"reason,omitempty"`
	Actor          string `json:"actor,omitempty"`
	FinalState     string `json:"final_state"`
}

type RotationSLABreachedPayload struct {
	RotationDueAt time.Time `json:"rotation_due_at"`
	BreachWindow  string    `json:"breach_window"`
	State         string    `json:"state"`
}

type CompromisedPayload struct {
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor,omitempty"`
	FinalState string `json:"final_state"`
}

// RevocationInitiatedPayload also lists what the revocation tore down with
// the key; those changes get no events of their own.
type RevocationInitiatedPayload struct {
	Reason              string   `json:"reason,omitempty"`
	Immediate           bool     `json:"immediate"`
	Actor               string   `json:"actor,omitempty"`
	State               string   `json:"state"`
	RevokedBindingIDs   []string `json:"revoked_binding_ids,omitempty"`
	FailedRotationIDs   []string `json:"failed_rotation_ids,omitempty"`
	RetiredCandidateIDs []string `json:"retired_candidate_key_ids,omitempty"`
}

type RevocationCompletedPayload struct {
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor,omitempty"`
	FinalState string `json:"final_state"`
}

type RetiredPayload struct {
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor,omitempty"`
	FinalState string `json:"final_state"`
}

type BindingAttachedPayload struct {
	BindingID   string `json:"binding_id"`
	BindingType string `json:"binding_type"`
	BindingRef  string `json:"binding_ref"`
	Actor       string `json:"actor,omitempty"`
}

type BindingRevokedPayload struct {
	BindingID string `json:"binding_id"`
	Actor     string `json:"actor,omitempty"`
}

type RuntimeVetoPayload struct {
	Reason string `json:"reason"`
	Source string `json:"source,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// UnrecognizedPayload holds a payload whose event type this build does not
// know. State is still extracted so filters keep working.
type UnrecognizedPayload struct {
	Type  EventType
	Raw   json.RawMessage
	State string
}

func (RegisteredPayload) EventType() EventType          { return EventRegistered }
func (ActivationApprovedPayload) EventType() EventType  { return EventActivationApproved }
func (RotationRequestedPayload) EventType() EventType   { return EventRotationRequested }
func (RotationApprovedPayload) EventType() EventType    { return EventRotationApproved }
func (RotationFailedPayload) EventType() EventType      { return EventRotationFailed }
func (RotationSLABreachedPayload) EventType() EventType { return EventRotationSLABreached }
func (CompromisedPayload) EventType() EventType         { return EventCompromised }
func (RevocationInitiatedPayload) EventType() EventType { return EventRevocationInitiated }
func (RevocationCompletedPayload) EventType() EventType { return EventRevocationCompleted }
func (RetiredPayload) EventType() EventType             { return EventRetired }
func (BindingAttachedPayload) EventType() EventType     { return EventBindingAttached }
func (BindingRevokedPayload) EventType() EventType      { return EventBindingRevoked }
func (RuntimeVetoPayload) EventType() EventType         { return EventRuntimeVeto }
func (p UnrecognizedPayload) EventType() EventType      { return p.Type }

func (p RegisteredPayload) RecordedState() string          { return p.FinalState }
func (p ActivationApprovedPayload) RecordedState() string  { return p.FinalState }
func (p RotationRequestedPayload) RecordedState() string   { return p.State }
func (p RotationApprovedPayload) RecordedState() string    { return p.FinalState }
func (p RotationFailedPayload) RecordedState() string      { return p.FinalState }
func (p RotationSLABreachedPayload) RecordedState() string { return p.State }
func (p CompromisedPayload) RecordedState() string         { return p.FinalState }
func (p RevocationInitiatedPayload) RecordedState() string { return p.State }
func (p RevocationCompletedPayload) RecordedState() string { return p.FinalState }
func (p RetiredPayload) RecordedState() string             { return p.FinalState }
func (BindingAttachedPayload) RecordedState() string       { return "" }
func (BindingRevokedPayload) RecordedState() string        { return "" }
func (RuntimeVetoPayload) RecordedState() string           { return "" }
func (p UnrecognizedPayload) RecordedState() string        { return p.State }

func encodePayload(p Payload) ([]byte, error) {
	if u, ok := p.(UnrecognizedPayload); ok {
		return u.Raw, nil
	}
	return json.Marshal(p)
}

// DecodePayload decodes raw into the payload struct registered for t.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	var err error
	switch t {
	case EventRegistered:
		var p RegisteredPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventActivationApproved:
		var p ActivationApprovedPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventRotationRequested:
		var p RotationRequestedPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventRotationApproved:
		var p RotationApprovedPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventRotationFailed:
		var p RotationFailedPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventRotationSLABreached:
		var p RotationSLABreachedPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventCompromised:
		var p CompromisedPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventRevocationInitiated:
		var p RevocationInitiatedPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventRevocationCompleted:
		var p RevocationCompletedPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventRetired:
		var p RetiredPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventBindingAttached:
		var p BindingAttachedPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventBindingRevoked:
		var p BindingRevokedPayload
		err = decodeInto(raw, &p)
		return p, err
	case EventRuntimeVeto:
		var p RuntimeVetoPayload
		err = decodeInto(raw, &p)
		return p, err
	}

	var hint struct {
		FinalState string `json:"final_state"`
		State      string `json:"state"`
	}
	_ = decodeInto(raw, &hint)
	state := hint.FinalState
	if state == "" {
		state = hint.State
	}
	return UnrecognizedPayload{Type: t, Raw: append(json.RawMessage(nil), raw...), State: state}, nil
}

func decodeInto(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid audit payload: %w", err)
	}
	return nil
}
