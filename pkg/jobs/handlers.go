package jobs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

type handlers struct {
	store    *JobStore
	reporter RunReporter
	logger   *slog.Logger
}

// getJob handles GET /jobs/{jobID}
func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		h.fail(w, "get job", err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

// listJobs handles GET /jobs
// Query params: type, instanceId, state, requestedBy, pageSize, pageToken
func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := JobListFilter{
		Type:        q.Get("type"),
		InstanceID:  q.Get("instanceId"),
		State:       q.Get("state"),
		RequestedBy: q.Get("requestedBy"),
	}

	pageSize := 20
	if ps := q.Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = v
		}
	}

	records, nextToken, total, err := h.store.List(r.Context(), filter, pageSize, q.Get("pageToken"))
	if err != nil {
		h.fail(w, "list jobs", err)
		return
	}

	jobs := make([]jobResponse, len(records))
	for i := range records {
		jobs[i] = jobToResponse(&records[i])
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":          jobs,
		"nextPageToken": nextToken,
		"totalSize":     total,
	})
}

// cancelJob handles POST /jobs/{jobID}:cancel
func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.store.Cancel(r.Context(), jobID)
	if err != nil {
		h.fail(w, "cancel job", err)
		return
	}
	if h.reporter != nil {
		if err := h.reporter.JobFailed(r.Context(), job, "job canceled"); err != nil {
			h.logger.Error("failed to report canceled job", "jobID", jobID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

// jobResponse is the API response for a job.
type jobResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	InstanceID   string         `json:"instanceId,omitempty"`
	RunID        string         `json:"runId,omitempty"`
	PlaybookKey  string         `json:"playbookKey,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	RequestedBy  string         `json:"requestedBy"`
	RequestedAt  string         `json:"requestedAt"`
	State        string         `json:"state"`
	Message      string         `json:"message,omitempty"`
	StartedAt    string         `json:"startedAt,omitempty"`
	FinishedAt   string         `json:"finishedAt,omitempty"`
	AttemptCount int            `json:"attemptCount"`
	LastError    string         `json:"lastError,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
}

func jobToResponse(job *Job) jobResponse {
	resp := jobResponse{
		ID:           job.ID,
		Type:         string(job.Type),
		InstanceID:   job.InstanceID,
		RunID:        job.RunID,
		PlaybookKey:  job.PlaybookKey,
		Payload:      job.Payload,
		RequestedBy:  job.RequestedBy,
		RequestedAt:  job.RequestedAt.Format(time.RFC3339),
		State:        string(job.State),
		Message:      job.Message,
		AttemptCount: job.AttemptCount,
		LastError:    job.LastError,
		DurationMs:   job.DurationMs,
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func (h *handlers) fail(w http.ResponseWriter, op string, err error) {
	status := store.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("job operation failed", "op", op, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": fmt.Sprintf("failed to %s: %v", op, err),
		"code":  store.Code(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
