package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kubeflow/trust-ledger/pkg/metrics"
)

// Executor runs one claimed job. The playbook execution engine lives outside
// this service; an Executor hands the job to it and returns what it reported.
type Executor interface {
	Execute(ctx context.Context, job *Job) (*Result, error)
}

// ExecutorLookup resolves the executor for a job type.
type ExecutorLookup func(jobType JobType) (Executor, bool)

// RunReporter receives the final outcome of a job. It is satisfied by the
// remediation orchestrator, which closes the run the job was dispatched for.
type RunReporter interface {
	JobSucceeded(ctx context.Context, job *Job, result *Result) error
	JobFailed(ctx context.Context, job *Job, reason string) error
}

// WorkerPool processes queued jobs using a pool of goroutines.
type WorkerPool struct {
	store           *JobStore
	lookup          ExecutorLookup
	reporter        RunReporter
	cfg             *JobConfig
	logger          *slog.Logger
	cleanupInterval time.Duration
	wg              sync.WaitGroup
}

// NewWorkerPool creates a new worker pool. reporter may be nil.
func NewWorkerPool(store *JobStore, lookup ExecutorLookup, reporter RunReporter, cfg *JobConfig, logger *slog.Logger) *WorkerPool {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		store:           store,
		lookup:          lookup,
		reporter:        reporter,
		cfg:             cfg,
		logger:          logger,
		cleanupInterval: time.Minute,
	}
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines,
// each polling for jobs. It blocks until the context is cancelled,
// then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("job worker pool disabled")
		return
	}

	wp.logger.Info("job worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("job worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("job worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.processOne(ctx, workerID)
		}
	}
}

// processOne tries to claim and process a single job.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) {
	job, err := wp.store.Claim(ctx, wp.cfg.MaxRetries)
	if err != nil {
		if ctx.Err() == nil {
			wp.logger.Error("failed to claim job", "workerID", workerID, "error", err)
		}
		return
	}
	if job == nil {
		return
	}

	log := wp.logger.With("workerID", workerID, "jobID", job.ID, "type", job.Type,
		"instance", job.InstanceID, "run", job.RunID)
	log.Info("processing job", "attempt", job.AttemptCount)

	executor, ok := wp.lookup(job.Type)
	if !ok {
		wp.fail(ctx, log, job, "no executor for job type "+string(job.Type))
		return
	}

	start := time.Now()
	result, err := executor.Execute(ctx, job)
	if err != nil {
		wp.fail(ctx, log, job, err.Error())
		return
	}
	if result == nil {
		result = &Result{}
	}

	if wp.reporter != nil {
		if err := wp.reporter.JobSucceeded(ctx, job, result); err != nil {
			wp.fail(ctx, log, job, "report run completion: "+err.Error())
			return
		}
	}

	completed, err := wp.store.Complete(ctx, job.ID, result.Message, time.Since(start))
	if err != nil {
		log.Error("failed to mark job as complete", "error", err)
		return
	}
	if !completed {
		log.Warn("job was no longer running when it completed")
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Type), "succeeded").Inc()
	log.Info("job completed", "duration", time.Since(start).String())
}

func (wp *WorkerPool) fail(ctx context.Context, log *slog.Logger, job *Job, reason string) {
	log.Error("job failed", "error", reason)
	state, err := wp.store.Fail(ctx, job.ID, reason, wp.cfg.MaxRetries)
	if err != nil {
		log.Error("failed to mark job as failed", "error", err)
		return
	}
	if state != JobStateFailed {
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "retried").Inc()
		return
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Type), "failed").Inc()
	if wp.reporter != nil {
		if err := wp.reporter.JobFailed(ctx, job, reason); err != nil {
			log.Error("failed to report run failure", "error", err)
		}
	}
}

// cleanupLoop periodically recovers stuck jobs and deletes old terminal jobs.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(wp.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.cleanupOnce(ctx)
		}
	}
}

func (wp *WorkerPool) cleanupOnce(ctx context.Context) {
	if wp.cfg.ClaimTimeout > 0 {
		recovered, err := wp.store.CleanupStuckJobs(ctx, wp.cfg.ClaimTimeout)
		if err != nil {
			wp.logger.Error("failed to cleanup stuck jobs", "error", err)
		} else if recovered > 0 {
			wp.logger.Info("recovered stuck jobs", "count", recovered)
		}
	}

	if wp.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
		deleted, err := wp.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			wp.logger.Error("failed to delete old jobs", "error", err)
		} else if deleted > 0 {
			wp.logger.Info("deleted old jobs", "count", deleted)
		}
	}
}

// LogExecutor logs the dispatch of a job to an external playbook engine. The
// engine closes the run through the remediation API.
type LogExecutor struct {
	Logger *slog.Logger
}

func (e LogExecutor) Execute(ctx context.Context, job *Job) (*Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("remediation playbook dispatched",
		"jobID", job.ID, "instance", job.InstanceID, "playbook", job.PlaybookKey, "run", job.RunID)
	return &Result{
		Message:    "dispatched " + job.PlaybookKey,
		Metadata:   map[string]any{"executor": "log", "job_id": job.ID},
		Dispatched: true,
	}, nil
}

// Executors returns an ExecutorLookup serving exec for remediation jobs.
func Executors(exec Executor) ExecutorLookup {
	return func(jobType JobType) (Executor, bool) {
		if jobType == JobTypeRunRemediationPlaybook && exec != nil {
			return exec, true
		}
		return nil, false
	}
}
