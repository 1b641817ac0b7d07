package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

// EventType is the persisted kind of a provider key audit event. Values are
// matched by exact string equality against historical rows, so an existing
// value is never renamed or reused for a different meaning.
type EventType string

const (
	EventRegistered          EventType = "registered"
	EventActivationApproved  EventType = "activation_approved"
	EventRotationRequested   EventType = "rotation_requested"
	EventRotationApproved    EventType = "rotation_approved"
	EventRotationFailed      EventType = "rotation_failed"
	EventRotationSLABreached EventType = "rotation_sla_breached"
	EventCompromised         EventType = "compromised"
	EventRevocationInitiated EventType = "revocation_initiated"
	EventRevocationCompleted EventType = "revocation_completed"
	EventRetired             EventType = "retired"
	EventBindingAttached     EventType = "binding_attached"
	EventBindingRevoked      EventType = "binding_revoked"
	EventRuntimeVeto         EventType = "runtime_veto"
)

// EventTypes lists every known event type in declaration order.
var EventTypes = []EventType{
	EventRegistered,
	EventActivationApproved,
	EventRotationRequested,
	EventRotationApproved,
	EventRotationFailed,
	EventRotationSLABreached,
	EventCompromised,
	EventRevocationInitiated,
	EventRevocationCompleted,
	EventRetired,
	EventBindingAttached,
	EventBindingRevoked,
	EventRuntimeVeto,
}

// Known reports whether t is one of the declared event types.
func (t EventType) Known() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one immutable row of the provider key audit ledger.
type Event struct {
	ID           string        `gorm:"primaryKey;column:id;type:varchar(36)"`
	ProviderID   string        `gorm:"column:provider_id;type:varchar(255);index:idx_pkae_provider_time,priority:1;not null"`
	KeyID        *string       `gorm:"column:key_id;type:varchar(36);index:idx_pkae_key_type,priority:1"`
	EventType    EventType     `gorm:"column:event_type;type:varchar(64);index:idx_pkae_key_type,priority:2;not null"`
	Payload      store.JSONRaw `gorm:"column:payload;type:text"`
	PayloadState string        `gorm:"column:payload_state;type:varchar(32);index:idx_pkae_payload_state"`
	OccurredAt   time.Time     `gorm:"column:occurred_at;index:idx_pkae_provider_time,priority:2;not null"`
	// Seq is the event's position among the events written by the same
	// transaction, which share OccurredAt.
	Seq int `gorm:"column:seq;not null;default:0"`
}

// TableName overrides the default table name.
func (Event) TableName() string {
	return "provider_key_audit_events"
}

// NewEvent builds an event for p. The payload's recorded state is copied into
// PayloadState so state filters can match it without parsing JSON in SQL.
func NewEvent(providerID string, keyID *string, p Payload, at time.Time) (*Event, error) {
	if p == nil {
		return nil, fmt.Errorf("audit payload is required")
	}
	raw, err := encodePayload(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.EventType(), err)
	}
	return &Event{
		ID:           uuid.New().String(),
		ProviderID:   providerID,
		KeyID:        keyID,
		EventType:    p.EventType(),
		Payload:      store.JSONRaw(raw),
		PayloadState: p.RecordedState(),
		OccurredAt:   at.UTC(),
	}, nil
}

// Decode returns the typed payload of e.
func (e *Event) Decode() (Payload, error) {
	return DecodePayload(e.EventType, e.Payload)
}
