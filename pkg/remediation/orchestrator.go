package remediation

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/jobs"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

// executorActor records artifacts reported by the job executor.
const executorActor = "system:executor"

// Orchestrator starts remediation runs from the playbook catalog and
// dispatches them through the job queue. It never executes playbooks.
type Orchestrator struct {
	db        *gorm.DB
	runs      *RunStore
	artifacts *ArtifactStore
	playbooks *PlaybookStore
	jobs      *jobs.JobStore
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator. With a nil jobStore runs are
// tracked but never dispatched.
func NewOrchestrator(db *gorm.DB, jobStore *jobs.JobStore, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		db:        db,
		runs:      NewRunStore(db),
		artifacts: NewArtifactStore(db),
		playbooks: NewPlaybookStore(db),
		jobs:      jobStore,
		logger:    logger,
	}
}

func (o *Orchestrator) Runs() *RunStore           { return o.runs }
func (o *Orchestrator) Artifacts() *ArtifactStore { return o.artifacts }
func (o *Orchestrator) Playbooks() *PlaybookStore { return o.playbooks }

// EnsureRequest asks for a playbook to run against an instance.
type EnsureRequest struct {
	InstanceID  string
	PlaybookKey string
	Payload     map[string]any
	// RequireApproval gates the run on approval even when the catalog entry
	// does not. It cannot waive the catalog's requirement.
	RequireApproval bool
	Actor           string
}

// Ensure starts the playbook against the instance unless a run is already in
// progress there. A started run that needs no approval is enqueued in the
// same transaction as its insert.
func (o *Orchestrator) Ensure(ctx context.Context, req EnsureRequest) (*EnsureResult, error) {
	var res *EnsureResult
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pb, err := firstPlaybook(tx, "playbook_key = ?", req.PlaybookKey)
		if err != nil {
			return err
		}
		res, err = o.runs.ensureTx(tx, EnsureInput{
			InstanceID:       req.InstanceID,
			PlaybookKey:      pb.PlaybookKey,
			PlaybookID:       pb.ID,
			Payload:          req.Payload,
			ApprovalRequired: pb.ApprovalRequired || req.RequireApproval,
			SLA:              pb.SLA(),
			RequestedBy:      req.Actor,
		})
		if err != nil {
			return err
		}
		if !res.Started || res.Run.ApprovalRequired {
			return nil
		}
		return o.dispatch(tx, res.Run, req.Actor)
	})
	if err != nil {
		return nil, err
	}

	if res.Started {
		o.logger.Info("remediation run started", "instance", req.InstanceID, "run", res.Run.ID,
			"playbook", req.PlaybookKey, "approvalState", res.Run.ApprovalState)
	}
	return res, nil
}

// dispatch enqueues the job for run and records its id on the run.
func (o *Orchestrator) dispatch(tx *gorm.DB, run *RemediationRun, actor string) error {
	if o.jobs == nil {
		return nil
	}
	key := "remediation:" + run.ID
	job, err := o.jobs.EnqueueTx(tx, &jobs.Job{
		Type:           jobs.JobTypeRunRemediationPlaybook,
		InstanceID:     run.InstanceID,
		RunID:          run.ID,
		PlaybookKey:    run.PlaybookKey,
		Payload:        run.Payload,
		RequestedBy:    actor,
		IdempotencyKey: &key,
	})
	if err != nil {
		return err
	}
	if err := tx.Model(&RemediationRun{}).Where("id = ?", run.ID).Update("job_id", job.ID).Error; err != nil {
		return fmt.Errorf("failed to record job on run: %w", err)
	}
	run.JobID = &job.ID
	return nil
}

// Approve releases a run waiting for approval and dispatches it.
func (o *Orchestrator) Approve(ctx context.Context, runID, actor string) (*RemediationRun, error) {
	var run *RemediationRun
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := o.runs.decideApproval(tx, runID, ApprovalApproved, actor)
		if err != nil {
			return err
		}
		run, err = getRun(tx, runID)
		if err != nil {
			return err
		}
		if !ok {
			return store.Conflictf("run %s is %s with approval %s, not awaiting approval", runID, run.Status, run.ApprovalState)
		}
		return o.dispatch(tx, run, actor)
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("remediation run approved", "run", runID, "actor", actor)
	return run, nil
}

// Reject declines a run waiting for approval and fails it.
func (o *Orchestrator) Reject(ctx context.Context, runID, actor, reason string) (*RemediationRun, error) {
	if reason == "" {
		reason = "approval rejected"
	}
	var run *RemediationRun
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := o.runs.decideApproval(tx, runID, ApprovalRejected, actor)
		if err != nil {
			return err
		}
		if !ok {
			current, err := getRun(tx, runID)
			if err != nil {
				return err
			}
			return store.Conflictf("run %s is %s with approval %s, not awaiting approval", runID, current.Status, current.ApprovalState)
		}
		if _, err := o.runs.finish(tx, RunFailed, failedUpdates(reason), "id = ?", runID); err != nil {
			return err
		}
		run, err = getRun(tx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// JobSucceeded records the executor's artifacts and completes the run. A
// dispatch-only result leaves the run running for the external engine to
// close. It implements jobs.RunReporter.
func (o *Orchestrator) JobSucceeded(ctx context.Context, job *jobs.Job, result *jobs.Result) error {
	if job.RunID == "" {
		return nil
	}
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range result.Artifacts {
			if _, err := o.artifacts.appendTx(tx, ArtifactInput{
				RunID:        job.RunID,
				ArtifactType: a.Type,
				URI:          a.URI,
				Metadata:     a.Metadata,
				RecordedBy:   executorActor,
			}); err != nil {
				return err
			}
		}
		metadata := result.Metadata
		if result.Message != "" {
			metadata = withValue(metadata, "message", result.Message)
		}
		if result.Dispatched {
			return o.runs.noteDispatch(tx, job.RunID, metadata)
		}
		ok, err := o.runs.finish(tx, RunCompleted, completedUpdates(metadata), "id = ?", job.RunID)
		if err != nil {
			return err
		}
		if !ok {
			o.logger.Warn("completed job for a run that is no longer running", "run", job.RunID, "jobID", job.ID)
		}
		return nil
	})
}

// JobFailed fails the run of a job that exhausted its retries or was
// canceled. It implements jobs.RunReporter.
func (o *Orchestrator) JobFailed(ctx context.Context, job *jobs.Job, reason string) error {
	if job.RunID == "" {
		return nil
	}
	_, err := o.runs.MarkRunFailed(ctx, job.RunID, reason)
	return err
}

func withValue(m map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}
