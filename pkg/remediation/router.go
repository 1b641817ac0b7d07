package remediation

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the playbook catalog and remediation run
// API.
func Router(o *Orchestrator, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{o: o, logger: logger}

	r := chi.NewRouter()
	r.Get("/playbooks", h.listPlaybooks)
	r.Post("/playbooks", h.createPlaybook)
	r.Get("/playbooks/{playbookID}", h.getPlaybook)
	r.Patch("/playbooks/{playbookID}", h.patchPlaybook)
	r.Delete("/playbooks/{playbookID}", h.deletePlaybook)

	r.Post("/instances/{instanceID}/remediation-runs", h.ensureRun)
	r.Get("/instances/{instanceID}/remediation-runs", h.listRuns)

	r.Get("/remediation-runs/{runID}", h.getRun)
	r.Post("/remediation-runs/{runID}:complete", h.completeRun)
	r.Post("/remediation-runs/{runID}:fail", h.failRun)
	r.Post("/remediation-runs/{runID}:approve", h.approveRun)
	r.Post("/remediation-runs/{runID}:reject", h.rejectRun)
	r.Post("/remediation-runs/{runID}/artifacts", h.appendArtifact)
	r.Get("/remediation-runs/{runID}/artifacts", h.listArtifacts)
	return r
}
