package keys

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/trust-ledger/pkg/authz"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

type handlers struct {
	svc    *Service
	logger *slog.Logger
}

type registerKeyRequest struct {
	Alias                *string    `json:"alias,omitempty"`
	AttestationDigest    string     `json:"attestationDigest,omitempty"`
	AttestationSignature string     `json:"attestationSignature,omitempty"`
	RotationDueAt        *time.Time `json:"rotationDueAt,omitempty"`
}

// registerKey handles POST /providers/{providerID}/keys
func (h *handlers) registerKey(w http.ResponseWriter, r *http.Request) {
	var req registerKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key, err := h.svc.RegisterKey(r.Context(), RegisterKeyInput{
		ProviderID:           chi.URLParam(r, "providerID"),
		Alias:                req.Alias,
		AttestationDigest:    req.AttestationDigest,
		AttestationSignature: req.AttestationSignature,
		RotationDueAt:        req.RotationDueAt,
		Actor:                authz.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "register key", err)
		return
	}
	writeJSON(w, http.StatusCreated, keyToResponse(key))
}

// listKeys handles GET /providers/{providerID}/keys?state=...
func (h *handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	var states []KeyState
	for _, s := range r.URL.Query()["state"] {
		states = append(states, KeyState(s))
	}
	records, err := h.svc.ListKeys(r.Context(), chi.URLParam(r, "providerID"), states...)
	if err != nil {
		h.fail(w, "list keys", err)
		return
	}
	items := make([]keyResponse, len(records))
	for i := range records {
		items[i] = keyToResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": items, "size": len(items)})
}

// getKey handles GET /providers/{providerID}/keys/{keyID}
func (h *handlers) getKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.svc.GetKey(r.Context(), chi.URLParam(r, "providerID"), chi.URLParam(r, "keyID"))
	if err != nil {
		h.fail(w, "get key", err)
		return
	}
	writeJSON(w, http.StatusOK, keyToResponse(key))
}

// activateKey handles POST /providers/{providerID}/keys/{keyID}:activate
func (h *handlers) activateKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.svc.ActivateKey(r.Context(), chi.URLParam(r, "providerID"), chi.URLParam(r, "keyID"),
		authz.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "activate key", err)
		return
	}
	writeJSON(w, http.StatusOK, keyToResponse(key))
}

type rotateKeyRequest struct {
	AttestationDigest    string     `json:"attestationDigest,omitempty"`
	AttestationSignature string     `json:"attestationSignature,omitempty"`
	RotationDueAt        *time.Time `json:"rotationDueAt,omitempty"`
}

// rotateKey handles POST /providers/{providerID}/keys/{keyID}:rotate
func (h *handlers) rotateKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.svc.RequestRotation(r.Context(), RotationRequestInput{
		ProviderID:           chi.URLParam(r, "providerID"),
		KeyID:                chi.URLParam(r, "keyID"),
		AttestationDigest:    req.AttestationDigest,
		AttestationSignature: req.AttestationSignature,
		RotationDueAt:        req.RotationDueAt,
		Actor:                authz.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "request rotation", err)
		return
	}
	writeJSON(w, http.StatusCreated, rotationResultToResponse(result))
}

type revokeKeyRequest struct {
	Reason    string `json:"reason,omitempty"`
	Immediate bool   `json:"immediate"`
}

// revokeKey handles POST /providers/{providerID}/keys/{keyID}:revoke
func (h *handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	var req revokeKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key, err := h.svc.RevokeKey(r.Context(), RevokeInput{
		ProviderID: chi.URLParam(r, "providerID"),
		KeyID:      chi.URLParam(r, "keyID"),
		Reason:     req.Reason,
		Immediate:  req.Immediate,
		Actor:      authz.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "revoke key", err)
		return
	}
	writeJSON(w, http.StatusOK, keyToResponse(key))
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// retireKey handles POST /providers/{providerID}/keys/{keyID}:retire
func (h *handlers) retireKey(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key, err := h.svc.RetireKey(r.Context(), chi.URLParam(r, "providerID"), chi.URLParam(r, "keyID"),
		req.Reason, authz.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "retire key", err)
		return
	}
	writeJSON(w, http.StatusOK, keyToResponse(key))
}

// listRotations handles GET /providers/{providerID}/rotations?state=...
func (h *handlers) listRotations(w http.ResponseWriter, r *http.Request) {
	rotations, err := h.svc.ListRotations(r.Context(), chi.URLParam(r, "providerID"),
		RotationState(r.URL.Query().Get("state")))
	if err != nil {
		h.fail(w, "list rotations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rotations": rotations, "size": len(rotations)})
}

// approveRotation handles POST /providers/{providerID}/rotations/{rotationID}:approve
func (h *handlers) approveRotation(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.ApproveRotation(r.Context(), chi.URLParam(r, "providerID"),
		chi.URLParam(r, "rotationID"), authz.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "approve rotation", err)
		return
	}
	writeJSON(w, http.StatusOK, rotationResultToResponse(result))
}

// failRotation handles POST /providers/{providerID}/rotations/{rotationID}:fail
func (h *handlers) failRotation(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.svc.FailRotation(r.Context(), chi.URLParam(r, "providerID"),
		chi.URLParam(r, "rotationID"), req.Reason, authz.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "fail rotation", err)
		return
	}
	writeJSON(w, http.StatusOK, rotationResultToResponse(result))
}

type bindingRequest struct {
	KeyID       string `json:"keyId"`
	BindingType string `json:"bindingType"`
	BindingRef  string `json:"bindingRef"`
}

// attachBinding handles POST /providers/{providerID}/bindings
func (h *handlers) attachBinding(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	binding, err := h.svc.AttachBinding(r.Context(), BindingInput{
		ProviderID:  chi.URLParam(r, "providerID"),
		KeyID:       req.KeyID,
		BindingType: req.BindingType,
		BindingRef:  req.BindingRef,
		Actor:       authz.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "attach binding", err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

// listBindings handles GET /providers/{providerID}/bindings?keyId=...
func (h *handlers) listBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := h.svc.ListBindings(r.Context(), chi.URLParam(r, "providerID"), r.URL.Query().Get("keyId"))
	if err != nil {
		h.fail(w, "list bindings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bindings": bindings, "size": len(bindings)})
}

// revokeBinding handles DELETE /providers/{providerID}/bindings/{bindingID}
func (h *handlers) revokeBinding(w http.ResponseWriter, r *http.Request) {
	binding, err := h.svc.RevokeBinding(r.Context(), chi.URLParam(r, "providerID"),
		chi.URLParam(r, "bindingID"), authz.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "revoke binding", err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

type vetoRequest struct {
	KeyID  string `json:"keyId,omitempty"`
	Reason string `json:"reason"`
	Source string `json:"source,omitempty"`
}

// recordVeto handles POST /providers/{providerID}/vetoes
func (h *handlers) recordVeto(w http.ResponseWriter, r *http.Request) {
	var req vetoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := h.svc.RecordRuntimeVeto(r.Context(), VetoInput{
		ProviderID: chi.URLParam(r, "providerID"),
		KeyID:      req.KeyID,
		Reason:     req.Reason,
		Source:     req.Source,
		Actor:      authz.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "record veto", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"eventId": ev.ID})
}

// policySummary handles GET /providers/{providerID}/policy-summary
func (h *handlers) policySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.SummarizeForPolicy(r.Context(), chi.URLParam(r, "providerID"))
	if err != nil {
		h.fail(w, "summarize provider", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type enforceSLARequest struct {
	WarningWindow string `json:"warningWindow"`
	BreachWindow  string `json:"breachWindow"`
}

// enforceSLAs handles POST /sla:enforce
func (h *handlers) enforceSLAs(w http.ResponseWriter, r *http.Request) {
	var req enforceSLARequest
	if !decodeBody(w, r, &req) {
		return
	}
	warning, err := parseWindow(req.WarningWindow, h.svc.cfg.WarningWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid warningWindow: %v", err))
		return
	}
	breach, err := parseWindow(req.BreachWindow, h.svc.cfg.BreachWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid breachWindow: %v", err))
		return
	}
	report, err := h.svc.EnforceRotationSLAs(r.Context(), warning, breach)
	if err != nil {
		h.fail(w, "enforce SLAs", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseWindow(v string, fallback time.Duration) (time.Duration, error) {
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

// keyResponse is the API response for a provider key. Attestation blobs are
// reported by presence only.
type keyResponse struct {
	ID            string  `json:"id"`
	ProviderID    string  `json:"providerId"`
	Alias         *string `json:"alias,omitempty"`
	State         string  `json:"state"`
	HasDigest     bool    `json:"hasAttestationDigest"`
	HasSignature  bool    `json:"hasAttestationSignature"`
	RotationDueAt string  `json:"rotationDueAt,omitempty"`
	SLABreachedAt string  `json:"slaBreachedAt,omitempty"`
	CompromisedAt string  `json:"compromisedAt,omitempty"`
	RetiredAt     string  `json:"retiredAt,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
}

func keyToResponse(k *ProviderKeyRecord) keyResponse {
	return keyResponse{
		ID:            k.ID,
		ProviderID:    k.ProviderID,
		Alias:         k.Alias,
		State:         string(k.State),
		HasDigest:     len(k.AttestationDigest) > 0,
		HasSignature:  len(k.AttestationSignature) > 0,
		RotationDueAt: formatTime(k.RotationDueAt),
		SLABreachedAt: formatTime(k.SLABreachedAt),
		CompromisedAt: formatTime(k.CompromisedAt),
		RetiredAt:     formatTime(k.RetiredAt),
		CreatedAt:     k.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     k.UpdatedAt.Format(time.RFC3339),
	}
}

type rotationResultResponse struct {
	Rotation  *KeyRotation `json:"rotation"`
	Key       keyResponse  `json:"key"`
	Candidate keyResponse  `json:"candidate"`
}

func rotationResultToResponse(r *RotationResult) rotationResultResponse {
	return rotationResultResponse{
		Rotation:  r.Rotation,
		Key:       keyToResponse(r.Key),
		Candidate: keyToResponse(r.Candidate),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func (h *handlers) fail(w http.ResponseWriter, op string, err error) {
	status := store.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("key operation failed", "op", op, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": fmt.Sprintf("failed to %s: %v", op, err),
		"code":  store.Code(err),
	})
}

// decodeBody decodes an optional JSON body. It writes a 400 and returns
// false on malformed input.
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
