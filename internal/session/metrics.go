package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// AuthAttemptsTotal counts enclave authentication attempts.
	AuthAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolsettler_session_auth_attempts_total",
		Help: "Total enclave authentication attempts",
	})

	// AuthFailuresTotal counts failed attempts that were retried.
	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolsettler_session_auth_failures_total",
		Help: "Total failed enclave authentication attempts that were retried",
	})

	// InvalidationsTotal counts tokens dropped after the enclave refused them.
	InvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolsettler_session_invalidations_total",
		Help: "Total session tokens invalidated after refusal",
	})
)
