// Package jobs is the dispatch queue between the remediation orchestrator
// and the playbook executor. The orchestrator enqueues typed jobs; a worker
// pool claims them and reports the outcome back to the run they belong to.
package jobs

import (
	"time"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

// JobType names the work a job asks for.
type JobType string

const (
	JobTypeRunRemediationPlaybook JobType = "run_remediation_playbook"
)

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

var (
	activeStates   = []JobState{JobStateQueued, JobStateRunning}
	terminalStates = []JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled}
)

// Job is the GORM model for a dispatched job.
type Job struct {
	ID          string        `gorm:"primaryKey;column:id;type:varchar(36)"`
	Type        JobType       `gorm:"column:type;type:varchar(64);index:idx_job_type_state,priority:1;not null"`
	InstanceID  string        `gorm:"column:instance_id;type:varchar(255);index:idx_job_instance"`
	RunID       string        `gorm:"column:run_id;type:varchar(36)"`
	PlaybookKey string        `gorm:"column:playbook_key;type:varchar(255)"`
	Payload     store.JSONMap `gorm:"column:payload;type:text"`
	RequestedBy string        `gorm:"column:requested_by;not null"`
	RequestedAt time.Time     `gorm:"column:requested_at;not null"`
	State       JobState      `gorm:"column:state;type:varchar(32);index:idx_job_type_state,priority:2;index:idx_job_state;not null;default:queued"`
	Message     string        `gorm:"column:message"`
	StartedAt   *time.Time    `gorm:"column:started_at"`
	FinishedAt  *time.Time    `gorm:"column:finished_at"`
	// AttemptCount is incremented on every claim.
	AttemptCount int    `gorm:"column:attempt_count;default:0"`
	LastError    string `gorm:"column:last_error"`
	// IdempotencyKey is unique among jobs that still hold it; it is cleared
	// once a job is terminal and a new job with the same key is enqueued.
	IdempotencyKey *string `gorm:"column:idempotency_key;type:varchar(255);uniqueIndex:idx_job_idemp_key"`
	DurationMs     int64   `gorm:"column:duration_ms"`
}

// TableName returns the GORM table name.
func (Job) TableName() string { return "trust_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// ArtifactSpec is an artifact an executor produced while running a job.
type ArtifactSpec struct {
	Type     string         `json:"type"`
	URI      string         `json:"uri"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is what an executor returns for a successful job.
type Result struct {
	Message   string
	Metadata  map[string]any
	Artifacts []ArtifactSpec
	// Dispatched means the work was handed to an external engine. The job is
	// done but the run stays running until the engine reports its outcome.
	Dispatched bool
}
