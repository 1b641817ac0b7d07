// Package remediation tracks automated recovery of runtime VM instances:
// remediation runs, the artifacts they produce and the playbook catalog runs
// are started from. Execution itself is dispatched through the job queue.
package remediation

import (
	"time"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

// RunStatus is the status of a remediation run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ApprovalState records whether a run may be dispatched.
type ApprovalState string

const (
	ApprovalAuto     ApprovalState = "auto-approved"
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// RemediationRun is one tracked execution of a playbook against an instance.
//
// RunningGuard holds the instance id while the run is running and is NULL
// once it is terminal. Its unique index is what allows at most one running
// run per instance.
type RemediationRun struct {
	ID               string        `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	InstanceID       string        `gorm:"column:instance_id;type:varchar(255);index:idx_rr_instance_started,priority:1;not null" json:"instanceId"`
	PlaybookID       string        `gorm:"column:playbook_id;type:varchar(36)" json:"playbookId,omitempty"`
	PlaybookKey      string        `gorm:"column:playbook_key;type:varchar(255);not null" json:"playbookKey"`
	Status           RunStatus     `gorm:"column:status;type:varchar(32);not null" json:"status"`
	RunningGuard     *string       `gorm:"column:running_guard;type:varchar(255);uniqueIndex:idx_rr_running_guard" json:"-"`
	ApprovalRequired bool          `gorm:"column:approval_required;not null;default:false" json:"approvalRequired"`
	ApprovalState    ApprovalState `gorm:"column:approval_state;type:varchar(32);not null" json:"approvalState"`
	ApprovedBy       *string       `gorm:"column:approved_by;type:varchar(255)" json:"approvedBy,omitempty"`
	Payload          store.JSONMap `gorm:"column:payload;type:text" json:"payload,omitempty"`
	Metadata         store.JSONMap `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	JobID            *string       `gorm:"column:job_id;type:varchar(36)" json:"jobId,omitempty"`
	LastError        *string       `gorm:"column:last_error" json:"lastError,omitempty"`
	FailureReason    *string       `gorm:"column:failure_reason" json:"failureReason,omitempty"`
	RequestedBy      string        `gorm:"column:requested_by;type:varchar(255)" json:"requestedBy,omitempty"`
	SLADeadline      *time.Time    `gorm:"column:sla_deadline" json:"slaDeadline,omitempty"`
	StartedAt        time.Time     `gorm:"column:started_at;index:idx_rr_instance_started,priority:2;not null" json:"startedAt"`
	CompletedAt      *time.Time    `gorm:"column:completed_at" json:"completedAt,omitempty"`
	Version          int64         `gorm:"column:version;not null;default:1" json:"version"`
	UpdatedAt        time.Time     `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName overrides the default table name.
func (RemediationRun) TableName() string {
	return "runtime_vm_remediation_runs"
}

// IsTerminal returns true once the run has completed or failed.
func (r *RemediationRun) IsTerminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// RemediationArtifact is evidence produced by a run. Artifacts are append
// only.
type RemediationArtifact struct {
	ID           string        `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	RunID        string        `gorm:"column:run_id;type:varchar(36);index:idx_ra_run;not null" json:"runId"`
	ArtifactType string        `gorm:"column:artifact_type;type:varchar(64);not null" json:"artifactType"`
	URI          string        `gorm:"column:uri;not null" json:"uri"`
	Metadata     store.JSONMap `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	RecordedBy   string        `gorm:"column:recorded_by;type:varchar(255)" json:"recordedBy,omitempty"`
	RecordedAt   time.Time     `gorm:"column:recorded_at;not null" json:"recordedAt"`
}

// TableName overrides the default table name.
func (RemediationArtifact) TableName() string {
	return "runtime_vm_remediation_artifacts"
}

// Playbook is a remediation catalog entry. Version is bumped on every update
// and guards concurrent edits.
type Playbook struct {
	ID               string        `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	PlaybookKey      string        `gorm:"column:playbook_key;type:varchar(255);uniqueIndex:idx_playbook_key;not null" json:"playbookKey"`
	DisplayName      string        `gorm:"column:display_name;type:varchar(255)" json:"displayName,omitempty"`
	Description      string        `gorm:"column:description" json:"description,omitempty"`
	ExecutorType     string        `gorm:"column:executor_type;type:varchar(64);not null" json:"executorType"`
	OwnerID          string        `gorm:"column:owner_id;type:varchar(255)" json:"ownerId,omitempty"`
	ApprovalRequired bool          `gorm:"column:approval_required;not null;default:false" json:"approvalRequired"`
	SLASeconds       int64         `gorm:"column:sla_duration_seconds;not null;default:0" json:"slaDurationSeconds"`
	Metadata         store.JSONMap `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	Version          int64         `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt        time.Time     `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time     `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName overrides the default table name.
func (Playbook) TableName() string {
	return "runtime_vm_remediation_playbooks"
}

// SLA returns the playbook's SLA duration. Zero means no deadline.
func (p *Playbook) SLA() time.Duration {
	return time.Duration(p.SLASeconds) * time.Second
}

// Models returns the models owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&RemediationRun{}, &RemediationArtifact{}, &Playbook{}}
}
