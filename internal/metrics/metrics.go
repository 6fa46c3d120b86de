// Package metrics exposes Prometheus counters for runs, stages, agent calls
// and retried calls.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rogers-f/steward/internal/retry"
)

var (
	// RunsTotal tracks finished runs by kind and final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_runs_total",
			Help: "Total number of finished runs",
		},
		[]string{"kind", "status", "reason"},
	)

	// RunsInFlight tracks runs currently executing.
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_runs_in_flight",
			Help: "Number of runs currently executing",
		},
	)

	// StageDuration tracks how long each stage takes, per outcome.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_stage_duration_seconds",
			Help:    "Stage execution time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage", "outcome"},
	)

	// Regenerations tracks reconcile rejections that sent a run back to generation.
	Regenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_regenerations_total",
			Help: "Total number of regeneration rounds",
		},
		[]string{"kind"},
	)

	// AgentTokens tracks tokens consumed per role and direction.
	AgentTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_agent_tokens_total",
			Help: "Total number of tokens consumed by agent calls",
		},
		[]string{"role", "provider", "direction"},
	)

	// AgentCostUSD tracks estimated spend per role.
	AgentCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_agent_cost_usd_total",
			Help: "Estimated agent spend in USD",
		},
		[]string{"role", "provider"},
	)

	// CallAttempts tracks every attempt of a retried call.
	CallAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_call_attempts_total",
			Help: "Total number of external call attempts",
		},
		[]string{"category"},
	)

	// CallRetries tracks failed attempts that were retried, by classification.
	CallRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_call_retries_total",
			Help: "Total number of retried external calls",
		},
		[]string{"category", "classification"},
	)

	// CallBackoff tracks the delays chosen between attempts.
	CallBackoff = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_call_backoff_seconds",
			Help:    "Backoff delay before a retry in seconds",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 30, 60, 120},
		},
		[]string{"category"},
	)

	// CallFailures tracks calls that gave up.
	CallFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_call_failures_total",
			Help: "Total number of external calls that gave up",
		},
		[]string{"category", "outcome"},
	)

	// PublishTotal tracks repository writes, including duplicates that were skipped.
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_publish_total",
			Help: "Total number of publish operations",
		},
		[]string{"kind", "result"},
	)
)

// RetryObserver records executor events as metrics.
type RetryObserver struct{}

// OnAttempt implements retry.Observer.
func (RetryObserver) OnAttempt(_ context.Context, a retry.Attempt) {
	CallAttempts.WithLabelValues(a.Category).Inc()
}

// OnRetry implements retry.Observer.
func (RetryObserver) OnRetry(_ context.Context, a retry.Attempt, _ error) {
	CallRetries.WithLabelValues(a.Category, a.Prior.String()).Inc()
	CallBackoff.WithLabelValues(a.Category).Observe(a.Delay.Seconds())
}

// OnGiveUp implements retry.Observer.
func (RetryObserver) OnGiveUp(_ context.Context, err *retry.Error) {
	CallFailures.WithLabelValues(err.Category, outcome(err)).Inc()
}

func outcome(err *retry.Error) string {
	switch {
	case err.Canceled:
		return "canceled"
	case err.Exhausted:
		return "exhausted"
	default:
		return "fatal"
	}
}

// ObserveStage records a stage's duration.
func ObserveStage(stage, outcome string, d time.Duration) {
	StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}
