package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kubeflow/trust-ledger/pkg/metrics"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

// RunStore persists remediation runs.
type RunStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRunStore creates a RunStore.
func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureInput describes the run to start.
type EnsureInput struct {
	InstanceID       string
	PlaybookKey      string
	PlaybookID       string
	Payload          map[string]any
	ApprovalRequired bool
	SLA              time.Duration
	RequestedBy      string
}

// EnsureResult reports whether a new run was started. Run is the new run
// when Started is true and the run already in progress otherwise.
type EnsureResult struct {
	Started bool
	Run     *RemediationRun
}

// EnsureRunningPlaybook starts a run for the instance unless one is already
// running. The insert is a single statement guarded by the unique
// running_guard index, so of any number of concurrent callers for the same
// instance exactly one observes Started.
func (s *RunStore) EnsureRunningPlaybook(ctx context.Context, in EnsureInput) (*EnsureResult, error) {
	var res *EnsureResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.ensureTx(tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *RunStore) ensureTx(tx *gorm.DB, in EnsureInput) (*EnsureResult, error) {
	if strings.TrimSpace(in.InstanceID) == "" {
		return nil, store.Validationf("instance_id is required")
	}
	if strings.TrimSpace(in.PlaybookKey) == "" {
		return nil, store.Validationf("playbook_key is required")
	}

	now := s.now()
	guard := in.InstanceID
	run := &RemediationRun{
		ID:               uuid.New().String(),
		InstanceID:       in.InstanceID,
		PlaybookID:       in.PlaybookID,
		PlaybookKey:      in.PlaybookKey,
		Status:           RunRunning,
		RunningGuard:     &guard,
		ApprovalRequired: in.ApprovalRequired,
		ApprovalState:    ApprovalAuto,
		Payload:          in.Payload,
		RequestedBy:      in.RequestedBy,
		StartedAt:        now,
		Version:          1,
	}
	if in.ApprovalRequired {
		run.ApprovalState = ApprovalPending
	}
	if in.SLA > 0 {
		deadline := now.Add(in.SLA)
		run.SLADeadline = &deadline
	}

	// The guard row can finish between a lost insert and the read below;
	// another attempt then starts a run of its own.
	for attempt := 0; attempt < 3; attempt++ {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(run)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to insert remediation run: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			metrics.RemediationRuns.WithLabelValues("started").Inc()
			return &EnsureResult{Started: true, Run: run}, nil
		}

		active, err := activeRun(tx, in.InstanceID)
		if err != nil {
			return nil, err
		}
		if active != nil {
			metrics.RemediationRuns.WithLabelValues("deduplicated").Inc()
			return &EnsureResult{Started: false, Run: active}, nil
		}
	}
	return nil, store.Conflictf("instance %s remediation state kept changing", in.InstanceID)
}

// activeRun reads with a row lock so a run committed after the caller's
// snapshot is still visible under REPEATABLE READ.
func activeRun(tx *gorm.DB, instanceID string) (*RemediationRun, error) {
	var run RemediationRun
	err := store.ForUpdate(tx).Where("running_guard = ? AND status = ?", instanceID, RunRunning).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load running remediation: %w", err)
	}
	return &run, nil
}

// finish moves the running row matched by where to a terminal status. A row
// that is no longer running is left untouched and reported as not affected.
func (s *RunStore) finish(tx *gorm.DB, status RunStatus, updates map[string]any, where string, args ...any) (bool, error) {
	updates["status"] = status
	updates["running_guard"] = nil
	updates["completed_at"] = s.now()
	updates["version"] = gorm.Expr("version + 1")

	res := tx.Model(&RemediationRun{}).
		Where(where, args...).
		Where("status = ?", RunRunning).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark run %s: %w", status, res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.RemediationRuns.WithLabelValues("noop").Inc()
		return false, nil
	}
	metrics.RemediationRuns.WithLabelValues(string(status)).Inc()
	return true, nil
}

// noteDispatch records executor metadata on a run that is still running.
func (s *RunStore) noteDispatch(tx *gorm.DB, runID string, metadata map[string]any) error {
	if metadata == nil {
		return nil
	}
	res := tx.Model(&RemediationRun{}).
		Where("id = ? AND status = ?", runID, RunRunning).
		Update("metadata", store.JSONMap(metadata))
	if res.Error != nil {
		return fmt.Errorf("failed to record dispatch of run %s: %w", runID, res.Error)
	}
	return nil
}

func completedUpdates(metadata map[string]any) map[string]any {
	updates := map[string]any{}
	if metadata != nil {
		updates["metadata"] = store.JSONMap(metadata)
	}
	return updates
}

func failedUpdates(reason string) map[string]any {
	return map[string]any{
		"failure_reason": reason,
		"last_error":     reason,
	}
}

// MarkRunCompleted completes a running run. It returns false without error
// when the run is not running, so duplicate completions are harmless.
func (s *RunStore) MarkRunCompleted(ctx context.Context, runID string, metadata map[string]any) (bool, error) {
	return s.finish(s.db.WithContext(ctx), RunCompleted, completedUpdates(metadata), "id = ?", runID)
}

// MarkRunFailed fails a running run. Like MarkRunCompleted it is a no-op for
// a run that is already terminal.
func (s *RunStore) MarkRunFailed(ctx context.Context, runID, reason string) (bool, error) {
	return s.finish(s.db.WithContext(ctx), RunFailed, failedUpdates(reason), "id = ?", runID)
}

// CompleteActiveRun completes the running run of an instance, if any.
func (s *RunStore) CompleteActiveRun(ctx context.Context, instanceID string, metadata map[string]any) (bool, error) {
	return s.finish(s.db.WithContext(ctx), RunCompleted, completedUpdates(metadata), "running_guard = ?", instanceID)
}

// FailActiveRun fails the running run of an instance, if any.
func (s *RunStore) FailActiveRun(ctx context.Context, instanceID, reason string) (bool, error) {
	return s.finish(s.db.WithContext(ctx), RunFailed, failedUpdates(reason), "running_guard = ?", instanceID)
}

// GetRun returns a run by id.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*RemediationRun, error) {
	return getRun(s.db.WithContext(ctx), runID)
}

func getRun(tx *gorm.DB, runID string) (*RemediationRun, error) {
	var run RemediationRun
	if err := tx.First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.NotFoundf("remediation run %s", runID)
		}
		return nil, fmt.Errorf("failed to get remediation run: %w", err)
	}
	return &run, nil
}

// ActiveRunForInstance returns the running run of an instance, or nil.
func (s *RunStore) ActiveRunForInstance(ctx context.Context, instanceID string) (*RemediationRun, error) {
	return activeRun(s.db.WithContext(ctx), instanceID)
}

// ListRuns returns the most recent runs of an instance, newest first.
func (s *RunStore) ListRuns(ctx context.Context, instanceID string, limit int) ([]RemediationRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var runs []RemediationRun
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("started_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list remediation runs: %w", err)
	}
	return runs, nil
}

// decideApproval moves a run awaiting approval to state. It returns false if
// the run is not running or not awaiting approval.
func (s *RunStore) decideApproval(tx *gorm.DB, runID string, state ApprovalState, actor string) (bool, error) {
	updates := map[string]any{
		"approval_state": state,
		"approved_by":    actor,
		"version":        gorm.Expr("version + 1"),
	}
	res := tx.Model(&RemediationRun{}).
		Where("id = ? AND status = ? AND approval_state = ?", runID, RunRunning, ApprovalPending).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record approval: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
