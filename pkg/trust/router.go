package trust

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for attestation submission, trust status and
// accelerator posture.
func Router(p *Processor, posture *PostureStore, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{p: p, posture: posture, logger: logger}

	r := chi.NewRouter()
	r.Get("/instances:summary", h.summarizeInstances)
	r.Route("/instances/{instanceID}", func(r chi.Router) {
		r.Post("/attestations", h.submitAttestation)
		r.Get("/attestations", h.listAttestations)
		r.Get("/trust", h.getTrust)
		r.Get("/trust/history", h.trustHistory)
		r.Post("/trust/transitions", h.recordTransition)
		r.Put("/posture", h.replacePosture)
		r.Get("/posture", h.listPosture)
	})
	r.Get("/attestations/{attestationID}", h.getAttestation)
	return r
}
