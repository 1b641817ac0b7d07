package audit

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the audit API.
func Router(ledger *Ledger) chi.Router {
	r := chi.NewRouter()
	r.Get("/providers/{providerID}/audit-events", ListEventsHandler(ledger))
	r.Get("/audit-events/{eventID}", GetEventHandler(ledger))
	return r
}
