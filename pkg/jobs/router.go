package jobs

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the job status API. reporter, when set,
// is told about canceled jobs so their remediation runs are closed.
func Router(store *JobStore, reporter RunReporter, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{store: store, reporter: reporter, logger: logger}

	r := chi.NewRouter()
	r.Get("/jobs", h.listJobs)
	r.Get("/jobs/{jobID}", h.getJob)
	r.Post("/jobs/{jobID}:cancel", h.cancelJob)
	return r
}
