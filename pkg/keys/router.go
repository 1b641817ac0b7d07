package keys

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the provider key API.
func Router(svc *Service, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Post("/sla:enforce", h.enforceSLAs)
	r.Route("/providers/{providerID}", func(r chi.Router) {
		r.Post("/keys", h.registerKey)
		r.Get("/keys", h.listKeys)
		r.Get("/keys/{keyID}", h.getKey)
		r.Post("/keys/{keyID}:activate", h.activateKey)
		r.Post("/keys/{keyID}:rotate", h.rotateKey)
		r.Post("/keys/{keyID}:revoke", h.revokeKey)
		r.Post("/keys/{keyID}:retire", h.retireKey)

		r.Get("/rotations", h.listRotations)
		r.Post("/rotations/{rotationID}:approve", h.approveRotation)
		r.Post("/rotations/{rotationID}:fail", h.failRotation)

		r.Post("/bindings", h.attachBinding)
		r.Get("/bindings", h.listBindings)
		r.Delete("/bindings/{bindingID}", h.revokeBinding)

		r.Post("/vetoes", h.recordVeto)
		r.Get("/policy-summary", h.policySummary)
	})
	return r
}
