package keys

import (
	"context"
	"log/slog"
	"time"

	"github.com/kubeflow/trust-ledger/pkg/metrics"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

// Sweeper periodically enforces rotation SLAs. Each tick is one bounded,
// idempotent pass; a failed tick is retried by the next one.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	warning  time.Duration
	breach   time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper using the windows of cfg.
func NewSweeper(svc *Service, cfg *Config, logger *slog.Logger) *Sweeper {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		svc:      svc,
		interval: cfg.SweepInterval,
		warning:  cfg.WarningWindow,
		breach:   cfg.BreachWindow,
		logger:   logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	if w.svc == nil || w.interval <= 0 {
		w.logger.Info("rotation SLA sweeper disabled", "interval", w.interval.String())
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("rotation SLA sweeper started",
		"interval", w.interval.String(),
		"warningWindow", w.warning.String(),
		"breachWindow", w.breach.String())

	w.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("rotation SLA sweeper stopped")
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single enforcement pass.
func (w *Sweeper) SweepOnce(ctx context.Context) *SLAReport {
	report, err := w.svc.EnforceRotationSLAs(ctx, w.warning, w.breach)
	if err != nil {
		if store.IsTransient(err) {
			metrics.SLASweeps.WithLabelValues("retry").Inc()
			w.logger.Error("rotation SLA sweep failed, retrying next tick", "error", err)
		} else {
			metrics.SLASweeps.WithLabelValues("error").Inc()
			w.logger.Warn("rotation SLA sweep rejected", "error", err)
		}
		return report
	}

	metrics.SLASweeps.WithLabelValues("ok").Inc()
	if emitted := report.EmittedCount(); emitted > 0 || len(report.Approaching) > 0 {
		w.logger.Info("rotation SLA sweep completed",
			"breached", len(report.Breached),
			"newlyEmitted", emitted,
			"approaching", len(report.Approaching))
	}
	return report
}
