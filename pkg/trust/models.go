// Package trust records the hardware trust posture of runtime VM instances:
// attestation records, the transition ledger that defines an instance's
// current trust status, and per-accelerator posture snapshots. Processor
// wires evidence through the attestation evaluator into the ledger and
// triggers remediation when trust degrades.
package trust

import (
	"time"

	"github.com/kubeflow/trust-ledger/pkg/attestation"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

// AttestationRecord is one verification attempt for an instance.
type AttestationRecord struct {
	ID                 string                `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	InstanceID         string                `gorm:"column:instance_id;type:varchar(255);index:idx_att_instance_verified,priority:1;not null" json:"instanceId"`
	Kind               attestation.Kind      `gorm:"column:attestation_kind;type:varchar(32);not null" json:"kind"`
	Status             attestation.Status    `gorm:"column:verification_status;type:varchar(32);not null" json:"status"`
	Measurement        *string               `gorm:"column:measurement;type:varchar(255)" json:"measurement,omitempty"`
	RawQuote           []byte                `gorm:"column:raw_quote" json:"rawQuote,omitempty"`
	Claims             store.JSONRaw         `gorm:"column:parsed_claims;type:text" json:"claims,omitempty"`
	Evidence           store.JSONRaw         `gorm:"column:evidence;type:text" json:"evidence,omitempty"`
	SignerMetadata     store.JSONMap         `gorm:"column:signer_metadata;type:text" json:"signerMetadata,omitempty"`
	FreshnessExpiresAt *time.Time            `gorm:"column:freshness_expires_at" json:"freshnessExpiresAt,omitempty"`
	VerificationNotes  store.JSONStringSlice `gorm:"column:verification_notes;type:text" json:"verificationNotes"`
	RemediationNotes   store.JSONStringSlice `gorm:"column:remediation_notes;type:text" json:"remediationNotes"`
	VerifiedAt         time.Time             `gorm:"column:verified_at;index:idx_att_instance_verified,priority:2;not null" json:"verifiedAt"`
	CreatedAt          time.Time             `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName overrides the default table name.
func (AttestationRecord) TableName() string {
	return "runtime_vm_attestations"
}

// TrustEvent is one accepted change of an instance's trust status. The most
// recent event of an instance defines its current status.
type TrustEvent struct {
	ID               string              `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	InstanceID       string              `gorm:"column:instance_id;type:varchar(255);index:idx_te_instance_triggered,priority:1;not null" json:"instanceId"`
	AttestationID    *string             `gorm:"column:attestation_id;type:varchar(36)" json:"attestationId,omitempty"`
	PreviousStatus   *attestation.Status `gorm:"column:previous_status;type:varchar(32)" json:"previousStatus,omitempty"`
	CurrentStatus    attestation.Status  `gorm:"column:current_status;type:varchar(32);not null" json:"currentStatus"`
	Reason           *string             `gorm:"column:transition_reason" json:"reason,omitempty"`
	RemediationState *string             `gorm:"column:remediation_state;type:varchar(64)" json:"remediationState,omitempty"`
	Metadata         store.JSONMap       `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	TriggeredAt      time.Time           `gorm:"column:triggered_at;index:idx_te_instance_triggered,priority:2;not null" json:"triggeredAt"`
}

// TableName overrides the default table name.
func (TrustEvent) TableName() string {
	return "runtime_vm_trust_events"
}

// TrustState is the per-instance row that serializes transitions. Status
// always equals the current status of the newest TrustEvent.
type TrustState struct {
	InstanceID       string             `gorm:"primaryKey;column:instance_id;type:varchar(255)" json:"instanceId"`
	Status           attestation.Status `gorm:"column:status;type:varchar(32);not null" json:"status"`
	LastEventID      string             `gorm:"column:last_event_id;type:varchar(36)" json:"lastEventId"`
	RemediationState *string            `gorm:"column:remediation_state;type:varchar(64)" json:"remediationState,omitempty"`
	Version          int64              `gorm:"column:version;not null;default:1" json:"version"`
	UpdatedAt        time.Time          `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName overrides the default table name.
func (TrustState) TableName() string {
	return "runtime_vm_trust_states"
}

// AcceleratorPosture is the compliance snapshot of one accelerator of an
// instance. The set for an instance is replaced wholesale on each
// collection cycle.
type AcceleratorPosture struct {
	ID              string                `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	InstanceID      string                `gorm:"column:instance_id;type:varchar(255);uniqueIndex:idx_posture_instance_accel,priority:1;not null" json:"instanceId"`
	AcceleratorID   string                `gorm:"column:accelerator_id;type:varchar(255);uniqueIndex:idx_posture_instance_accel,priority:2;not null" json:"acceleratorId"`
	AcceleratorType string                `gorm:"column:accelerator_type;type:varchar(64)" json:"acceleratorType"`
	Posture         string                `gorm:"column:posture;type:varchar(64);not null" json:"posture"`
	PolicyFeedback  store.JSONStringSlice `gorm:"column:policy_feedback;type:text" json:"policyFeedback"`
	Metadata        store.JSONMap         `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	CollectedAt     time.Time             `gorm:"column:collected_at;not null" json:"collectedAt"`
}

// TableName overrides the default table name.
func (AcceleratorPosture) TableName() string {
	return "runtime_vm_accelerator_posture"
}

// Models returns the models owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&AttestationRecord{}, &TrustEvent{}, &TrustState{}, &AcceleratorPosture{}}
}
