package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

// JobStore provides database operations for jobs.
type JobStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	Type        string
	InstanceID  string
	State       string
	RequestedBy string
}

// Enqueue creates a new queued job in its own transaction. See EnqueueTx.
func (s *JobStore) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	var result *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.EnqueueTx(tx, job)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EnqueueTx creates a new queued job using tx, so callers can enqueue in the
// same transaction as the state change that asked for the job. If the job
// carries an idempotency key and a non-terminal job with the same key exists,
// the existing job is returned instead of creating a duplicate.
func (s *JobStore) EnqueueTx(tx *gorm.DB, job *Job) (*Job, error) {
	if job.Type == "" {
		return nil, store.Validationf("job type is required")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = s.now()
	}
	if job.RequestedBy == "" {
		job.RequestedBy = "system:trust-ledger"
	}
	job.State = JobStateQueued

	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := tx.Create(job).Error; err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		return job, nil
	}

	key := *job.IdempotencyKey
	existing, err := activeByKey(tx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	// Release the key from terminal jobs so the unique index admits the new one.
	if err := tx.Model(&Job{}).
		Where("idempotency_key = ? AND state IN ?", key, terminalStates).
		Update("idempotency_key", nil).Error; err != nil {
		return nil, fmt.Errorf("release idempotency key: %w", err)
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if res.Error != nil {
		return nil, fmt.Errorf("enqueue job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race to a concurrent enqueue with the same key.
		existing, err := activeByKey(tx, key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, store.Conflictf("idempotency key %q is held by another job", key)
		}
		return existing, nil
	}
	return job, nil
}

func activeByKey(tx *gorm.DB, key string) (*Job, error) {
	var existing Job
	err := tx.Where("idempotency_key = ? AND state IN ?", key, activeStates).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check idempotency key: %w", err)
	}
	return &existing, nil
}

// Claim atomically picks the oldest queued job and transitions it to
// running. PostgreSQL uses FOR UPDATE SKIP LOCKED so concurrent workers never
// wait on each other; elsewhere the guarded update decides the winner.
// Returns nil if no jobs are available.
func (s *JobStore) Claim(ctx context.Context, maxRetries int) (*Job, error) {
	var claimed *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("state = ? AND attempt_count <= ?", JobStateQueued, maxRetries).
			Order("requested_at ASC").
			Limit(1)
		if store.IsPostgres(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var job Job
		if err := q.Find(&job).Error; err != nil {
			return err
		}
		if job.ID == "" {
			return nil
		}

		now := s.now()
		res := tx.Model(&Job{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":         JobStateRunning,
				"started_at":    now,
				"attempt_count": gorm.Expr("attempt_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.First(&job, "id = ?", job.ID).Error; err != nil {
			return fmt.Errorf("reload claimed job: %w", err)
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

// Complete marks a running job as succeeded. It returns false when the job
// was no longer running, for example because stuck-job recovery re-queued it.
func (s *JobStore) Complete(ctx context.Context, jobID, message string, duration time.Duration) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ?", jobID, JobStateRunning).
		Updates(map[string]any{
			"state":       JobStateSucceeded,
			"finished_at": s.now(),
			"duration_ms": duration.Milliseconds(),
			"message":     message,
		})
	if res.Error != nil {
		return false, fmt.Errorf("complete job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Fail records a failed attempt. If the attempt count is within retries the
// job is re-queued; otherwise it becomes failed. The returned state is the
// job's state after the call.
func (s *JobStore) Fail(ctx context.Context, jobID, errMsg string, maxRetries int) (JobState, error) {
	var state JobState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := store.ForUpdate(tx).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.NotFoundf("job %s", jobID)
			}
			return fmt.Errorf("load job for fail: %w", err)
		}
		if job.State != JobStateRunning {
			state = job.State
			return nil
		}

		updates := map[string]any{"last_error": errMsg}
		if job.AttemptCount < maxRetries {
			updates["state"] = JobStateQueued
			updates["started_at"] = nil
			state = JobStateQueued
		} else {
			updates["state"] = JobStateFailed
			updates["finished_at"] = s.now()
			updates["message"] = "Max retries exceeded: " + errMsg
			state = JobStateFailed
		}
		return tx.Model(&Job{}).Where("id = ? AND state = ?", jobID, JobStateRunning).Updates(updates).Error
	})
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	return state, nil
}

// Cancel marks a queued job as canceled. Running jobs cannot be canceled;
// the executor owns them until they finish.
func (s *JobStore) Cancel(ctx context.Context, jobID string) (*Job, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&Job{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": s.now(),
			"message":     "Canceled by user",
		})
	if res.Error != nil {
		return nil, fmt.Errorf("cancel job: %w", res.Error)
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, store.NotFoundf("job %s", jobID)
	}
	if res.RowsAffected == 0 {
		return nil, store.Conflictf("job %s is in state %s, only queued jobs can be canceled", jobID, job.State)
	}
	return job, nil
}

// Get retrieves a job by ID. It returns nil, nil when the job does not exist.
func (s *JobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, newest first.
func (s *JobStore) List(ctx context.Context, filter JobListFilter, pageSize int, pageToken string) ([]Job, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&Job{})
		if filter.Type != "" {
			q = q.Where("type = ?", filter.Type)
		}
		if filter.InstanceID != "" {
			q = q.Where("instance_id = ?", filter.InstanceID)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query := buildQuery(db).Order("requested_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, store.Validationf("invalid page token: %v", err)
		}
		query = query.Where("requested_at < ?", t)
	}

	var records []Job
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].RequestedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// CleanupStuckJobs transitions running jobs that have been stuck
// (started_at older than claimTimeout) back to queued for retry.
func (s *JobStore) CleanupStuckJobs(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := s.now().Add(-claimTimeout)
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("state = ? AND started_at < ?", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":      JobStateQueued,
			"started_at": nil,
			"last_error": "Timed out (stuck job recovery)",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs finished before cutoff.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?", terminalStates, cutoff).
		Delete(&Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
