package trust

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/trust-ledger/pkg/attestation"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

type handlers struct {
	p       *Processor
	posture *PostureStore
	logger  *slog.Logger
}

type submitRequest struct {
	Evidence json.RawMessage `json:"evidence"`
	Signer   map[string]any  `json:"signer,omitempty"`
	Nonce    *string         `json:"nonce,omitempty"`
}

// submitAttestation handles POST /instances/{instanceID}/attestations
func (h *handlers) submitAttestation(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Evidence) == 0 {
		writeError(w, http.StatusBadRequest, "evidence is required")
		return
	}
	res, err := h.p.Submit(r.Context(), SubmitInput{
		InstanceID: chi.URLParam(r, "instanceID"),
		Evidence:   req.Evidence,
		Signer:     req.Signer,
		Nonce:      req.Nonce,
	})
	if err != nil && res != nil {
		// The attestation was stored; only its trust transition failed.
		writeJSON(w, store.HTTPStatus(err), map[string]any{
			"error":         fmt.Sprintf("failed to submit attestation: %v", err),
			"code":          store.Code(err),
			"attestationId": res.Attestation.ID,
			"remediation":   res.Remediation,
		})
		return
	}
	if err != nil {
		h.fail(w, "submit attestation", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// listAttestations handles GET /instances/{instanceID}/attestations?limit=N
func (h *handlers) listAttestations(w http.ResponseWriter, r *http.Request) {
	records, err := h.p.Attestations().ListForInstance(r.Context(), chi.URLParam(r, "instanceID"), queryLimit(r))
	if err != nil {
		h.fail(w, "list attestations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attestations": records, "size": len(records)})
}

// getAttestation handles GET /attestations/{attestationID}
func (h *handlers) getAttestation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.p.Attestations().Get(r.Context(), chi.URLParam(r, "attestationID"))
	if err != nil {
		h.fail(w, "get attestation", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type trustStatusResponse struct {
	InstanceID string             `json:"instanceId"`
	Status     attestation.Status `json:"status"`
	Version    int64              `json:"version,omitempty"`
	Latest     *TrustEvent        `json:"latest,omitempty"`
}

// getTrust handles GET /instances/{instanceID}/trust
func (h *handlers) getTrust(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	latest, err := h.p.Ledger().LatestForInstance(r.Context(), instanceID)
	if err != nil {
		h.fail(w, "get trust status", err)
		return
	}
	st, err := h.p.Ledger().State(r.Context(), instanceID)
	if err != nil {
		h.fail(w, "get trust status", err)
		return
	}
	resp := trustStatusResponse{InstanceID: instanceID, Status: attestation.StatusUnknown, Latest: latest}
	if latest != nil {
		resp.Status = latest.CurrentStatus
	}
	if st != nil {
		resp.Version = st.Version
	}
	writeJSON(w, http.StatusOK, resp)
}

// trustHistory handles GET /instances/{instanceID}/trust/history?limit=N
func (h *handlers) trustHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.p.Ledger().HistoryForInstance(r.Context(), chi.URLParam(r, "instanceID"), queryLimit(r))
	if err != nil {
		h.fail(w, "read trust history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "size": len(events)})
}

type transitionRequest struct {
	PreviousStatus   *attestation.Status `json:"previousStatus,omitempty"`
	CurrentStatus    attestation.Status  `json:"currentStatus"`
	AttestationID    *string             `json:"attestationId,omitempty"`
	Reason           *string             `json:"reason,omitempty"`
	RemediationState *string             `json:"remediationState,omitempty"`
	Metadata         map[string]any      `json:"metadata,omitempty"`
}

// recordTransition handles POST /instances/{instanceID}/trust/transitions.
// A stale previousStatus is answered with 409 and code prior_mismatch.
func (h *handlers) recordTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	instanceID := chi.URLParam(r, "instanceID")
	res, err := h.p.Ledger().RecordTransition(r.Context(), TransitionInput{
		InstanceID:       instanceID,
		PreviousStatus:   req.PreviousStatus,
		CurrentStatus:    req.CurrentStatus,
		AttestationID:    req.AttestationID,
		Reason:           req.Reason,
		RemediationState: req.RemediationState,
		Metadata:         req.Metadata,
	})
	if err != nil {
		h.fail(w, "record trust transition", err)
		return
	}
	if res.Outcome != TransitionApplied {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("trust status of %s changed; re-read and retry", instanceID),
			"code":  string(res.Outcome),
		})
		return
	}
	writeJSON(w, http.StatusCreated, res.Event)
}

type postureRequest struct {
	Accelerators []PostureInput `json:"accelerators"`
}

// replacePosture handles PUT /instances/{instanceID}/posture
func (h *handlers) replacePosture(w http.ResponseWriter, r *http.Request) {
	var req postureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rows, err := h.posture.ReplaceInstancePosture(r.Context(), chi.URLParam(r, "instanceID"), req.Accelerators)
	if err != nil {
		h.fail(w, "replace posture", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accelerators": rows, "size": len(rows)})
}

// listPosture handles GET /instances/{instanceID}/posture
func (h *handlers) listPosture(w http.ResponseWriter, r *http.Request) {
	rows, err := h.posture.ListForInstance(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		h.fail(w, "list posture", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accelerators": rows, "size": len(rows)})
}

type instanceSummary struct {
	InstanceID   string               `json:"instanceId"`
	Attestation  *AttestationRecord   `json:"attestation,omitempty"`
	Accelerators []AcceleratorPosture `json:"accelerators"`
}

// summarizeInstances handles GET /instances:summary?ids=a,b
func (h *handlers) summarizeInstances(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, v := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			ids = append(ids, v)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids query parameter is required")
		return
	}
	latest, err := h.p.Attestations().LatestForInstances(r.Context(), ids)
	if err != nil {
		h.fail(w, "summarize instances", err)
		return
	}
	posture, err := h.posture.ListForInstances(r.Context(), ids)
	if err != nil {
		h.fail(w, "summarize instances", err)
		return
	}
	out := make([]instanceSummary, 0, len(ids))
	for _, id := range ids {
		accelerators := posture[id]
		if accelerators == nil {
			accelerators = []AcceleratorPosture{}
		}
		out = append(out, instanceSummary{InstanceID: id, Attestation: latest[id], Accelerators: accelerators})
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": out, "size": len(out)})
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

func (h *handlers) fail(w http.ResponseWriter, op string, err error) {
	status := store.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("trust operation failed", "op", op, "error", err)
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
