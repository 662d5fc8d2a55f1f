// Package metrics provides Prometheus metrics for the session service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions that have left idle and not yet ended.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthly_active_sessions",
			Help: "Number of sessions currently in progress",
		},
	)

	// SessionsStarted tracks the total number of sessions started.
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthly_sessions_started_total",
			Help: "Total number of sessions started",
		},
	)

	// SessionsEnded tracks ended sessions by reason (cancel, user, timeout, sweep).
	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthly_sessions_ended_total",
			Help: "Total number of sessions ended, by reason",
		},
		[]string{"reason"},
	)

	// SessionStateTransitions tracks state machine transitions.
	SessionStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthly_session_state_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// QuotaRefusals tracks session starts refused because no quota was left.
	QuotaRefusals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthly_quota_refusals_total",
			Help: "Total number of session starts refused for exhausted quota",
		},
	)

	// QuotaCharges tracks sessions charged against a quota.
	QuotaCharges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthly_quota_charges_total",
			Help: "Total number of sessions charged against a user's quota",
		},
	)

	// BackendDuration tracks speech backend round trips.
	BackendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hearthly_speech_backend_duration_seconds",
			Help:    "Duration of speech backend requests",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	// BackendErrors tracks failed speech backend requests.
	BackendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthly_speech_backend_errors_total",
			Help: "Total number of failed speech backend requests",
		},
	)

	// StaleReplies tracks backend replies discarded because their session or turn moved on.
	StaleReplies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthly_stale_replies_total",
			Help: "Total number of backend replies discarded as stale",
		},
	)

	// PersistenceErrors tracks failed writes and reads against the store, by operation.
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthly_persistence_errors_total",
			Help: "Total number of persistence failures, by operation",
		},
		[]string{"op"},
	)
)

// RecordSessionStarted increments session start metrics.
func RecordSessionStarted() {
	SessionsStarted.Inc()
	ActiveSessions.Inc()
}

// RecordSessionEnded increments session end metrics.
func RecordSessionEnded(reason string) {
	SessionsEnded.WithLabelValues(reason).Inc()
	ActiveSessions.Dec()
}

// RecordStateTransition records a session state change.
func RecordStateTransition(fromState, toState string) {
	SessionStateTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordBackendCall records the duration and outcome of a speech backend call.
func RecordBackendCall(d time.Duration, err error) {
	BackendDuration.Observe(d.Seconds())
	if err != nil {
		BackendErrors.Inc()
	}
}

// RecordPersistenceError increments the persistence failure counter for op.
func RecordPersistenceError(op string) {
	PersistenceErrors.WithLabelValues(op).Inc()
}
