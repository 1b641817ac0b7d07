package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T, reporter RunReporter) (*JobStore, http.Handler) {
	t.Helper()
	s := NewJobStore(setupTestDB(t))
	return s, Router(s, reporter, nil)
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetJobHandler_Found(t *testing.T) {
	s, r := setupRouter(t, nil)
	job := newTestJob("vm-1")
	job.Payload = map[string]any{"reason": "attestation:stale"}
	_, err := s.Enqueue(context.Background(), job)
	require.NoError(t, err)

	w := serve(r, http.MethodGet, "/jobs/"+job.ID)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, job.ID, resp.ID)
	assert.Equal(t, "run_remediation_playbook", resp.Type)
	assert.Equal(t, "vm-1", resp.InstanceID)
	assert.Equal(t, "queued", resp.State)
	assert.Equal(t, "attestation:stale", resp.Payload["reason"])
}

func TestGetJobHandler_NotFound(t *testing.T) {
	_, r := setupRouter(t, nil)
	w := serve(r, http.MethodGet, "/jobs/nonexistent")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobsHandler(t *testing.T) {
	s, r := setupRouter(t, nil)
	for _, instance := range []string{"vm-1", "vm-2", "vm-3"} {
		_, err := s.Enqueue(context.Background(), newTestJob(instance))
		require.NoError(t, err)
	}

	w := serve(r, http.MethodGet, "/jobs?pageSize=2")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs          []jobResponse `json:"jobs"`
		NextPageToken string        `json:"nextPageToken"`
		TotalSize     int           `json:"totalSize"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.Equal(t, 3, resp.TotalSize)
	assert.NotEmpty(t, resp.NextPageToken)

	w = serve(r, http.MethodGet, "/jobs?instanceId=vm-2")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "vm-2", resp.Jobs[0].InstanceID)

	w = serve(r, http.MethodGet, "/jobs?pageToken=garbage")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJobHandler(t *testing.T) {
	reporter := &fakeReporter{}
	s, r := setupRouter(t, reporter)
	job := newTestJob("vm-1")
	_, err := s.Enqueue(context.Background(), job)
	require.NoError(t, err)

	w := serve(r, http.MethodPost, "/jobs/"+job.ID+":cancel")
	require.Equal(t, http.StatusOK, w.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "canceled", resp.State)

	_, failed := reporter.snapshot()
	assert.Equal(t, []string{"job canceled"}, failed)

	// A second cancel conflicts and reports nothing.
	w = serve(r, http.MethodPost, "/jobs/"+job.ID+":cancel")
	assert.Equal(t, http.StatusConflict, w.Code)
	_, failed = reporter.snapshot()
	assert.Len(t, failed, 1)

	w = serve(r, http.MethodPost, "/jobs/nonexistent:cancel")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
