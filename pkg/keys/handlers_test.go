package keys

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/trust-ledger/pkg/audit"
	"github.com/kubeflow/trust-ledger/pkg/authz"
)

func newTestRouter(t *testing.T) (http.Handler, *Service, *audit.Ledger) {
	t.Helper()
	svc, ledger := newTestService(t, nil)
	return authz.IdentityMiddleware()(Router(svc, nil)), svc, ledger
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Remote-User", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndRevokeHandlers(t *testing.T) {
	h, _, ledger := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/providers/openai/keys", map[string]any{
		"alias":                "primary",
		"attestationDigest":    b64("digest"),
		"attestationSignature": b64("sig"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created keyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "active", created.State)
	assert.True(t, created.HasDigest)
	assert.True(t, created.HasSignature)
	assert.NotContains(t, rec.Body.String(), b64("digest"))

	rec = doJSON(t, h, http.MethodGet, "/providers/openai/keys/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/providers/openai/keys/"+created.ID+":revoke", map[string]any{
		"reason":    "leaked",
		"immediate": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var revoked keyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &revoked))
	assert.Equal(t, "retired", revoked.State)
	assert.NotEmpty(t, revoked.CompromisedAt)
	assert.NotEmpty(t, revoked.RetiredAt)

	events, err := ledger.Query(context.Background(), audit.Filter{ProviderID: "openai", KeyID: created.ID})
	require.NoError(t, err)
	require.Len(t, events, 3)
	payload, err := events[1].Decode()
	require.NoError(t, err)
	initiated, ok := payload.(audit.RevocationInitiatedPayload)
	require.True(t, ok)
	assert.Equal(t, "user:alice", initiated.Actor)
	assert.True(t, initiated.Immediate)
}

func TestKeyHandlers_ErrorMapping(t *testing.T) {
	h, svc, _ := newTestRouter(t)
	key := registerActive(t, svc, "openai")

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"invalid base64", http.MethodPost, "/providers/openai/keys", map[string]string{"attestationDigest": "%%"}, http.StatusBadRequest, "validation"},
		{"unknown key", http.MethodGet, "/providers/openai/keys/missing", nil, http.StatusNotFound, "not_found"},
		{"activate active key", http.MethodPost, "/providers/openai/keys/" + key.ID + ":activate", nil, http.StatusConflict, "conflict"},
		{"unknown rotation", http.MethodPost, "/providers/openai/rotations/missing:approve", nil, http.StatusNotFound, "not_found"},
		{"veto without reason", http.MethodPost, "/providers/openai/vetoes", map[string]string{"keyId": key.ID}, http.StatusBadRequest, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantErr, body["code"])
		})
	}
}

func TestKeyHandlers_MalformedBody(t *testing.T) {
	h, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/providers/openai/keys", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotationHandlers(t *testing.T) {
	h, svc, _ := newTestRouter(t)
	key := registerActive(t, svc, "openai")

	rec := doJSON(t, h, http.MethodPost, "/providers/openai/keys/"+key.ID+":rotate", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rotated rotationResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.Equal(t, "rotating", rotated.Key.State)

	rec = doJSON(t, h, http.MethodGet, "/providers/openai/rotations?state=pending_approval", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), rotated.Rotation.ID)

	rec = doJSON(t, h, http.MethodPost, "/providers/openai/rotations/"+rotated.Rotation.ID+":fail",
		map[string]string{"reason": "import failed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var failed rotationResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	assert.Equal(t, "active", failed.Key.State)
	assert.Equal(t, "retired", failed.Candidate.State)
	assert.Equal(t, "user:alice", failed.Rotation.DecidedBy)
}

func TestBindingAndPolicyHandlers(t *testing.T) {
	h, svc, _ := newTestRouter(t)
	key := registerActive(t, svc, "openai")

	rec := doJSON(t, h, http.MethodPost, "/providers/openai/bindings", map[string]string{
		"keyId":       key.ID,
		"bindingType": BindingTypeRuntimeVM,
		"bindingRef":  "vm-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var binding KeyBinding
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &binding))

	rec = doJSON(t, h, http.MethodDelete, "/providers/openai/bindings/"+binding.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/providers/anthropic/policy-summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary ProviderKeyPolicySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.True(t, summary.Vetoed)
	assert.Equal(t, []string{NoteMissing}, summary.Notes)
}

func TestEnforceSLAHandler(t *testing.T) {
	h, _, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/sla:enforce", map[string]string{"warningWindow": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/sla:enforce", map[string]string{"breachWindow": "-1h"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/sla:enforce", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report SLAReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Empty(t, report.Breached)
}
