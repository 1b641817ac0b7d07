package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// recordingAuthorizer records the last request and returns a fixed answer.
type recordingAuthorizer struct {
	allowed bool
	err     error
	last    AuthzRequest
}

func (r *recordingAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	r.last = req
	return r.allowed, r.err
}

func serveAuthz(t *testing.T, a Authorizer, method, path string, id Identity) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	handler := AuthzMiddleware(a, "trust-system", nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}),
	)
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(WithIdentity(req.Context(), id))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, called
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestAuthzMiddleware_Allowed(t *testing.T) {
	a := &recordingAuthorizer{allowed: true}
	rr, called := serveAuthz(t, a, http.MethodPost, "/api/keys/v1alpha1/providers/openai/keys/k1:revoke",
		Identity{User: "alice", Groups: []string{"secops"}})

	if rr.Code != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v", rr.Code, called)
	}
	want := AuthzRequest{
		User:      "alice",
		Groups:    []string{"secops"},
		Resource:  ResourceProviderKeys,
		Verb:      VerbRevoke,
		Namespace: "trust-system",
	}
	if a.last.User != want.User || a.last.Resource != want.Resource || a.last.Verb != want.Verb ||
		a.last.Namespace != want.Namespace || len(a.last.Groups) != 1 {
		t.Errorf("authz request = %+v, want %+v", a.last, want)
	}
}

func TestAuthzMiddleware_Denied(t *testing.T) {
	rr, called := serveAuthz(t, &recordingAuthorizer{}, http.MethodDelete,
		"/api/remediation/v1alpha1/playbooks/p1", Identity{User: "bob"})

	if called {
		t.Error("handler should not be called when denied")
	}
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
	body := decodeError(t, rr)
	if body["code"] != "forbidden" {
		t.Errorf("code = %q, want forbidden", body["code"])
	}
	if !strings.Contains(body["error"], "user:bob may not delete "+ResourcePlaybooks) {
		t.Errorf("error = %q", body["error"])
	}
}

func TestAuthzMiddleware_UnknownEndpoint(t *testing.T) {
	rr, called := serveAuthz(t, &NoopAuthorizer{}, http.MethodGet, "/unknown/path", Identity{User: "alice"})
	if called {
		t.Error("handler should not be called for unknown endpoint")
	}
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
}

func TestAuthzMiddleware_AuthorizerError(t *testing.T) {
	rr, called := serveAuthz(t, &recordingAuthorizer{err: errors.New("apiserver down")},
		http.MethodGet, "/api/jobs/v1alpha1/jobs", Identity{User: "alice"})
	if called {
		t.Error("handler should not be called on authorizer error")
	}
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if body := decodeError(t, rr); body["code"] != "internal" {
		t.Errorf("code = %q, want internal", body["code"])
	}
}
