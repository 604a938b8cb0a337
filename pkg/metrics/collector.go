// Package metrics exposes Prometheus instrumentation for the rate limiter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total rate limit decisions labeled by policy, algorithm, backend and result",
		},
		[]string{"policy", "algorithm", "backend", "result"},
	)
	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_rejected_total",
			Help: "Total rejected requests per policy and backend",
		},
		[]string{"policy", "backend"},
	)
	checkDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimit_check_duration_seconds",
			Help:    "Duration of rate limit checks in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
	conflictRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_cas_conflicts_total",
			Help: "Total compare-and-set conflicts retried by the coordinator",
		},
	)
	storeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Total remote store errors observed by the coordinator",
		},
	)
	clockSkewTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_clock_skew_total",
			Help: "Total decisions computed against a regressed wall clock",
		},
	)
	supervisorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratelimit_supervisor_state",
			Help: "Degraded-mode supervisor state (1 for the active state)",
		},
		[]string{"state"},
	)
)

var supervisorStates = []string{"healthy", "degraded", "recovering"}

// RecordDecision increments decision counters and records check duration.
func RecordDecision(policy, algorithm, backend string, allowed bool, duration time.Duration) {
	if policy == "" {
		policy = "unknown"
	}
	if algorithm == "" {
		algorithm = "unknown"
	}
	if backend == "" {
		backend = "unknown"
	}

	result := "allowed"
	if !allowed {
		result = "rejected"
		rejectedTotal.WithLabelValues(policy, backend).Inc()
	}

	decisionsTotal.WithLabelValues(policy, algorithm, backend, result).Inc()
	checkDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordConflictRetry counts a compare-and-set race lost by this instance.
func RecordConflictRetry() {
	conflictRetriesTotal.Inc()
}

// RecordStoreError counts a remote store failure.
func RecordStoreError() {
	storeErrorsTotal.Inc()
}

// RecordClockSkew counts a decision corrected for clock regression.
func RecordClockSkew() {
	clockSkewTotal.Inc()
}

// SetSupervisorState marks the active supervisor state gauge.
func SetSupervisorState(state string) {
	for _, known := range supervisorStates {
		value := 0.0
		if known == state {
			value = 1.0
		}
		supervisorState.WithLabelValues(known).Set(value)
	}
}
