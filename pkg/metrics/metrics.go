// Package metrics holds the Prometheus collectors of the trust ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SLASweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_sla_sweeps_total",
		Help: "Rotation SLA sweeps by result.",
	}, []string{"result"})

	SLABreachesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trust_sla_breaches_emitted_total",
		Help: "rotation_sla_breached audit events written.",
	})

	KeyTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_key_transitions_total",
		Help: "Provider key state changes by target state.",
	}, []string{"state"})

	AttestationEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_attestation_evaluations_total",
		Help: "Attestation evaluations by evidence kind and outcome.",
	}, []string{"kind", "status"})

	TrustTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_transitions_total",
		Help: "Trust transition writes by outcome.",
	}, []string{"outcome"})

	RemediationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_remediation_runs_total",
		Help: "Remediation run lifecycle events by result.",
	}, []string{"result"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_jobs_processed_total",
		Help: "Dispatched jobs processed by type and result.",
	}, []string{"type", "result"})
)
