package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// ListEventsHandler handles GET /providers/{providerID}/audit-events
// Query params: keyId, state, since, until (RFC3339), limit
func ListEventsHandler(ledger *Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := Filter{
			ProviderID: chi.URLParam(r, "providerID"),
			KeyID:      q.Get("keyId"),
			State:      q.Get("state"),
		}

		for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
			v := q.Get(name)
			if v == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", name, err))
				return
			}
			*dst = &t
		}

		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			filter.Limit = n
		}

		events, err := ledger.Query(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list audit events: %v", err))
			return
		}

		items := make([]eventResponse, 0, len(events))
		for i := range events {
			items = append(items, eventToResponse(&events[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": items,
			"size":   len(items),
		})
	}
}

// GetEventHandler handles GET /audit-events/{eventID}
func GetEventHandler(ledger *Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "eventID")
		ev, err := ledger.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get audit event: %v", err))
			return
		}
		if ev == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("audit event %q not found", id))
			return
		}
		writeJSON(w, http.StatusOK, eventToResponse(ev))
	}
}

type eventResponse struct {
	ID         string          `json:"id"`
	ProviderID string          `json:"providerId"`
	KeyID      string          `json:"keyId,omitempty"`
	EventType  string          `json:"eventType"`
	State      string          `json:"state,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt string          `json:"occurredAt"`
}

func eventToResponse(ev *Event) eventResponse {
	resp := eventResponse{
		ID:         ev.ID,
		ProviderID: ev.ProviderID,
		EventType:  string(ev.EventType),
		State:      ev.PayloadState,
		Payload:    json.RawMessage(ev.Payload),
		OccurredAt: ev.OccurredAt.Format(time.RFC3339Nano),
	}
	if ev.KeyID != nil {
		resp.KeyID = *ev.KeyID
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
