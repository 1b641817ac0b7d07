package remediation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/trust-ledger/pkg/authz"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

type handlers struct {
	o      *Orchestrator
	logger *slog.Logger
}

type playbookRequest struct {
	PlaybookKey        string         `json:"playbookKey"`
	DisplayName        string         `json:"displayName,omitempty"`
	Description        string         `json:"description,omitempty"`
	ExecutorType       string         `json:"executorType"`
	OwnerID            string         `json:"ownerId,omitempty"`
	ApprovalRequired   bool           `json:"approvalRequired"`
	SLADurationSeconds int64          `json:"slaDurationSeconds,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// createPlaybook handles POST /playbooks
func (h *handlers) createPlaybook(w http.ResponseWriter, r *http.Request) {
	var req playbookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pb, err := h.o.Playbooks().Create(r.Context(), PlaybookInput{
		PlaybookKey:      req.PlaybookKey,
		DisplayName:      req.DisplayName,
		Description:      req.Description,
		ExecutorType:     req.ExecutorType,
		OwnerID:          req.OwnerID,
		ApprovalRequired: req.ApprovalRequired,
		SLA:              time.Duration(req.SLADurationSeconds) * time.Second,
		Metadata:         req.Metadata,
	})
	if err != nil {
		h.fail(w, "create playbook", err)
		return
	}
	writeJSON(w, http.StatusCreated, pb)
}

// listPlaybooks handles GET /playbooks
func (h *handlers) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks, err := h.o.Playbooks().List(r.Context())
	if err != nil {
		h.fail(w, "list playbooks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": playbooks, "size": len(playbooks)})
}

// getPlaybook handles GET /playbooks/{playbookID}
func (h *handlers) getPlaybook(w http.ResponseWriter, r *http.Request) {
	pb, err := h.o.Playbooks().Get(r.Context(), chi.URLParam(r, "playbookID"))
	if err != nil {
		h.fail(w, "get playbook", err)
		return
	}
	writeJSON(w, http.StatusOK, pb)
}

type patchPlaybookRequest struct {
	Version            int64          `json:"version"`
	DisplayName        *string        `json:"displayName,omitempty"`
	Description        *string        `json:"description,omitempty"`
	ExecutorType       *string        `json:"executorType,omitempty"`
	OwnerID            *string        `json:"ownerId,omitempty"`
	ApprovalRequired   *bool          `json:"approvalRequired,omitempty"`
	SLADurationSeconds *int64         `json:"slaDurationSeconds,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// patchPlaybook handles PATCH /playbooks/{playbookID}
func (h *handlers) patchPlaybook(w http.ResponseWriter, r *http.Request) {
	var req patchPlaybookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Version <= 0 {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	patch := PlaybookPatch{
		DisplayName:      req.DisplayName,
		Description:      req.Description,
		ExecutorType:     req.ExecutorType,
		OwnerID:          req.OwnerID,
		ApprovalRequired: req.ApprovalRequired,
		Metadata:         req.Metadata,
	}
	if req.SLADurationSeconds != nil {
		d := time.Duration(*req.SLADurationSeconds) * time.Second
		patch.SLA = &d
	}

	id := chi.URLParam(r, "playbookID")
	res, err := h.o.Playbooks().Update(r.Context(), id, req.Version, patch)
	if err != nil {
		h.fail(w, "update playbook", err)
		return
	}
	if res.Outcome != CASUpdated {
		writeCASMiss(w, id, res.Outcome)
		return
	}
	writeJSON(w, http.StatusOK, res.Playbook)
}

// deletePlaybook handles DELETE /playbooks/{playbookID}?version=N
func (h *handlers) deletePlaybook(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil || version <= 0 {
		writeError(w, http.StatusBadRequest, "version query parameter is required")
		return
	}
	id := chi.URLParam(r, "playbookID")
	outcome, err := h.o.Playbooks().Delete(r.Context(), id, version)
	if err != nil {
		h.fail(w, "delete playbook", err)
		return
	}
	if outcome != CASUpdated {
		writeCASMiss(w, id, outcome)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeCASMiss(w http.ResponseWriter, id string, outcome CASOutcome) {
	if outcome == CASNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("playbook %s not found", id),
			"code":  string(outcome),
		})
		return
	}
	writeJSON(w, http.StatusConflict, map[string]string{
		"error": fmt.Sprintf("playbook %s was modified; re-read and retry", id),
		"code":  string(outcome),
	})
}

type ensureRunRequest struct {
	PlaybookKey     string         `json:"playbookKey"`
	Payload         map[string]any `json:"payload,omitempty"`
	RequireApproval bool           `json:"requireApproval,omitempty"`
}

// ensureRun handles POST /instances/{instanceID}/remediation-runs
func (h *handlers) ensureRun(w http.ResponseWriter, r *http.Request) {
	var req ensureRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.o.Ensure(r.Context(), EnsureRequest{
		InstanceID:      chi.URLParam(r, "instanceID"),
		PlaybookKey:     req.PlaybookKey,
		Payload:         req.Payload,
		RequireApproval: req.RequireApproval,
		Actor:           authz.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "start remediation", err)
		return
	}
	status := http.StatusOK
	if res.Started {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"started": res.Started, "run": res.Run})
}

// listRuns handles GET /instances/{instanceID}/remediation-runs?limit=N
func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.o.Runs().ListRuns(r.Context(), chi.URLParam(r, "instanceID"), limit)
	if err != nil {
		h.fail(w, "list remediation runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "size": len(runs)})
}

// getRun handles GET /remediation-runs/{runID}
func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.o.Runs().GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, "get remediation run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type finishRunRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// completeRun handles POST /remediation-runs/{runID}:complete
func (h *handlers) completeRun(w http.ResponseWriter, r *http.Request) {
	var req finishRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	runID := chi.URLParam(r, "runID")
	affected, err := h.o.Runs().MarkRunCompleted(r.Context(), runID, req.Metadata)
	h.writeFinished(w, r, "complete remediation run", runID, affected, err)
}

// failRun handles POST /remediation-runs/{runID}:fail
func (h *handlers) failRun(w http.ResponseWriter, r *http.Request) {
	var req finishRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	runID := chi.URLParam(r, "runID")
	affected, err := h.o.Runs().MarkRunFailed(r.Context(), runID, req.Reason)
	h.writeFinished(w, r, "fail remediation run", runID, affected, err)
}

// writeFinished responds to a terminal transition. A run that was already
// terminal is reported with affected=false, not as an error.
func (h *handlers) writeFinished(w http.ResponseWriter, r *http.Request, op, runID string, affected bool, err error) {
	if err != nil {
		h.fail(w, op, err)
		return
	}
	run, err := h.o.Runs().GetRun(r.Context(), runID)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"affected": affected, "run": run})
}

// approveRun handles POST /remediation-runs/{runID}:approve
func (h *handlers) approveRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.o.Approve(r.Context(), chi.URLParam(r, "runID"), authz.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "approve remediation run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// rejectRun handles POST /remediation-runs/{runID}:reject
func (h *handlers) rejectRun(w http.ResponseWriter, r *http.Request) {
	var req finishRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := h.o.Reject(r.Context(), chi.URLParam(r, "runID"), authz.ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		h.fail(w, "reject remediation run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type artifactRequest struct {
	ArtifactType string         `json:"artifactType"`
	URI          string         `json:"uri"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// appendArtifact handles POST /remediation-runs/{runID}/artifacts
func (h *handlers) appendArtifact(w http.ResponseWriter, r *http.Request) {
	var req artifactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	artifact, err := h.o.Artifacts().Append(r.Context(), ArtifactInput{
		RunID:        chi.URLParam(r, "runID"),
		ArtifactType: req.ArtifactType,
		URI:          req.URI,
		Metadata:     req.Metadata,
		RecordedBy:   authz.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "record artifact", err)
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

// listArtifacts handles GET /remediation-runs/{runID}/artifacts
func (h *handlers) listArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := h.o.Runs().GetRun(r.Context(), runID); err != nil {
		h.fail(w, "list artifacts", err)
		return
	}
	artifacts, err := h.o.Artifacts().ListForRun(r.Context(), runID)
	if err != nil {
		h.fail(w, "list artifacts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts, "size": len(artifacts)})
}

func (h *handlers) fail(w http.ResponseWriter, op string, err error) {
	status := store.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("remediation operation failed", "op", op, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": fmt.Sprintf("failed to %s: %v", op, err),
		"code":  store.Code(err),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
