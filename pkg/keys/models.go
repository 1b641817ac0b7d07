package keys

import (
	"time"
)

// KeyState is the lifecycle state of a provider key.
type KeyState string

const (
	StatePending     KeyState = "pending_registration"
	StateActive      KeyState = "active"
	StateRotating    KeyState = "rotating"
	StateCompromised KeyState = "compromised"
	StateRetired     KeyState = "retired"
)

// IsTerminal returns true if no further traffic may use a key in s.
func (s KeyState) IsTerminal() bool {
	return s == StateCompromised || s == StateRetired
}

// IsLive returns true if a key in s serves live traffic.
func (s KeyState) IsLive() bool {
	return s == StateActive || s == StateRotating
}

// liveStates are the states that count toward the one-live-key rule.
var liveStates = []KeyState{StateActive, StateRotating}

// ProviderKeyRecord is the metadata of one provider credential. Key material
// itself lives in the secret store; only its attestation digest and
// signature are kept here.
type ProviderKeyRecord struct {
	ID                   string     `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	ProviderID           string     `gorm:"column:provider_id;type:varchar(255);index:idx_pk_provider_state,priority:1;not null" json:"providerId"`
	Alias                *string    `gorm:"column:alias;type:varchar(255)" json:"alias,omitempty"`
	AttestationDigest    []byte     `gorm:"column:attestation_digest" json:"-"`
	AttestationSignature []byte     `gorm:"column:attestation_signature" json:"-"`
	State                KeyState   `gorm:"column:state;type:varchar(32);index:idx_pk_provider_state,priority:2;not null" json:"state"`
	RotationDueAt        *time.Time `gorm:"column:rotation_due_at;index:idx_pk_rotation_due" json:"rotationDueAt,omitempty"`
	SLABreachedAt        *time.Time `gorm:"column:sla_breached_at" json:"slaBreachedAt,omitempty"`
	CompromisedAt        *time.Time `gorm:"column:compromised_at" json:"compromisedAt,omitempty"`
	RetiredAt            *time.Time `gorm:"column:retired_at" json:"retiredAt,omitempty"`
	CreatedAt            time.Time  `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName overrides the default table name.
func (ProviderKeyRecord) TableName() string {
	return "provider_keys"
}

// RotationState is the state of a rotation request.
type RotationState string

const (
	RotationPendingApproval RotationState = "pending_approval"
	RotationApproved        RotationState = "approved"
	RotationFailed          RotationState = "failed"
)

// KeyRotation pairs a rotating key with the candidate that replaces it.
type KeyRotation struct {
	ID             string        `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	ProviderID     string        `gorm:"column:provider_id;type:varchar(255);index:idx_pkr_provider_state,priority:1;not null" json:"providerId"`
	KeyID          string        `gorm:"column:key_id;type:varchar(36);index;not null" json:"keyId"`
	CandidateKeyID string        `gorm:"column:candidate_key_id;type:varchar(36);not null" json:"candidateKeyId"`
	State          RotationState `gorm:"column:state;type:varchar(32);index:idx_pkr_provider_state,priority:2;not null" json:"state"`
	RequestedBy    string        `gorm:"column:requested_by;type:varchar(255)" json:"requestedBy"`
	DecidedBy      string        `gorm:"column:decided_by;type:varchar(255)" json:"decidedBy"`
	FailureReason  string        `gorm:"column:failure_reason;type:text" json:"failureReason"`
	RequestedAt    time.Time     `gorm:"column:requested_at;not null" json:"requestedAt"`
	DecidedAt      *time.Time    `gorm:"column:decided_at" json:"decidedAt,omitempty"`
}

// TableName overrides the default table name.
func (KeyRotation) TableName() string {
	return "provider_key_rotations"
}

// BindingState is the state of a key binding.
type BindingState string

const (
	BindingActive  BindingState = "active"
	BindingRevoked BindingState = "revoked"
)

// BindingTypeRuntimeVM binds a key to a runtime VM instance. Keys bound this
// way are revoked when the instance loses trust.
const BindingTypeRuntimeVM = "runtime_vm"

// KeyBinding attaches a key to a consumer (a runtime VM, a deployment).
type KeyBinding struct {
	ID          string       `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	ProviderID  string       `gorm:"column:provider_id;type:varchar(255);index:idx_pkb_provider,priority:1;not null" json:"providerId"`
	KeyID       string       `gorm:"column:key_id;type:varchar(36);index:idx_pkb_provider,priority:2;not null" json:"keyId"`
	BindingType string       `gorm:"column:binding_type;type:varchar(64);index:idx_pkb_target,priority:1;not null" json:"bindingType"`
	BindingRef  string       `gorm:"column:binding_ref;type:varchar(255);index:idx_pkb_target,priority:2;not null" json:"bindingRef"`
	State       BindingState `gorm:"column:state;type:varchar(32);not null" json:"state"`
	CreatedBy   string       `gorm:"column:created_by;type:varchar(255)" json:"createdBy"`
	CreatedAt   time.Time    `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	RevokedAt   *time.Time   `gorm:"column:revoked_at" json:"revokedAt,omitempty"`
}

// TableName overrides the default table name.
func (KeyBinding) TableName() string {
	return "provider_key_bindings"
}

// Models returns the models owned by this package, for migrations.
func Models() []any {
	return []any{&ProviderKeyRecord{}, &KeyRotation{}, &KeyBinding{}, &providerLock{}}
}
