// Package metrics exposes Prometheus instrumentation for the
// orchestration pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service registers. A single
// instance is created at startup and shared by constructor injection.
type Metrics struct {
	IntelligenceInvocations  prometheus.Counter
	RecommendationsGenerated prometheus.Counter
	AdjustmentsApplied       prometheus.Counter
	IntelligenceFallbacks    prometheus.Counter
	BreakerStateChanges      *prometheus.CounterVec
	EpisodesStored           prometheus.Counter
	EpisodesSkipped          prometheus.Counter
	OrchestrationsBySource   *prometheus.CounterVec
	OrchestrationDuration    prometheus.Histogram
	AdvisorTimeouts          prometheus.Counter
	OutcomesBackfilled       prometheus.Counter
}

// New registers all collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IntelligenceInvocations: factory.NewCounter(prometheus.CounterOpts{
			Name: "helmsman_intelligence_invocations_total",
			Help: "Orchestrations that ran the intelligence pipeline.",
		}),
		RecommendationsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "helmsman_recommendations_generated_total",
			Help: "Candidate adjustments produced by the decision modifier.",
		}),
		AdjustmentsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "helmsman_adjustments_applied_total",
			Help: "Adjustments that passed the confidence gate and were applied.",
		}),
		IntelligenceFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "helmsman_intelligence_fallbacks_total",
			Help: "Orchestrations that degraded to the rule-based baseline.",
		}),
		BreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helmsman_embedding_breaker_transitions_total",
			Help: "Embedding circuit breaker state transitions.",
		}, []string{"from", "to"}),
		EpisodesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "helmsman_episodes_stored_total",
			Help: "Episodes persisted to the agent memory store.",
		}),
		EpisodesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "helmsman_episodes_skipped_total",
			Help: "Episodes dropped because no embedding could be produced.",
		}),
		OrchestrationsBySource: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helmsman_orchestrations_total",
			Help: "Completed orchestrations by decision source.",
		}, []string{"decision_source"}),
		OrchestrationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "helmsman_orchestration_duration_seconds",
			Help:    "End-to-end orchestration latency.",
			Buckets: prometheus.DefBuckets,
		}),
		AdvisorTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "helmsman_advisor_timeouts_total",
			Help: "Advisor calls that timed out or failed.",
		}),
		OutcomesBackfilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "helmsman_outcomes_backfilled_total",
			Help: "Episode outcomes recorded by the back-fill worker.",
		}),
	}
}
