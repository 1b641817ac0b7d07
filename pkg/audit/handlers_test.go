package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEventsHandler(t *testing.T) {
	l := NewLedger(setupTestDB(t), nil)
	appendEvent(t, l, "prov", "key-1", RegisteredPayload{FinalState: "active"}, time.Now())
	router := Router(l)

	req := httptest.NewRequest(http.MethodGet, "/providers/prov/audit-events?state=active&limit=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []eventResponse `json:"events"`
		Size   int             `json:"size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Size)
	assert.Equal(t, "registered", body.Events[0].EventType)
	assert.Equal(t, "key-1", body.Events[0].KeyID)
}

func TestListEventsHandler_BadParams(t *testing.T) {
	router := Router(NewLedger(setupTestDB(t), nil))

	for _, path := range []string{
		"/providers/prov/audit-events?since=yesterday",
		"/providers/prov/audit-events?limit=-1",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestGetEventHandler_NotFound(t *testing.T) {
	router := Router(NewLedger(setupTestDB(t), nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit-events/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
