package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// CircuitBreakerEnabled indicates whether the circuit breaker allows new runs.
	CircuitBreakerEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolsettler_circuit_breaker_enabled",
		Help: "Whether circuit breaker allows new resolution runs (1=enabled, 0=disabled)",
	})

	// CircuitBreakerBalance tracks the last checked payer balance.
	CircuitBreakerBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolsettler_circuit_breaker_balance_lamports",
		Help: "Last checked fee payer balance",
	})

	// CircuitBreakerDisableThreshold tracks the current threshold for disabling runs.
	CircuitBreakerDisableThreshold = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolsettler_circuit_breaker_disable_threshold_lamports",
		Help: "Current balance threshold for disabling new runs (dynamically calculated)",
	})

	// CircuitBreakerEnableThreshold tracks the current threshold for re-enabling runs.
	CircuitBreakerEnableThreshold = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolsettler_circuit_breaker_enable_threshold_lamports",
		Help: "Current balance threshold for re-enabling new runs (with hysteresis)",
	})

	// CircuitBreakerAvgSpend tracks the rolling average spend between checks.
	CircuitBreakerAvgSpend = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolsettler_circuit_breaker_avg_spend_lamports",
		Help: "Rolling average balance decrease between checks (used for threshold calculation)",
	})

	// CircuitBreakerStateChanges tracks the number of times the circuit breaker changed state.
	CircuitBreakerStateChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolsettler_circuit_breaker_state_changes_total",
		Help: "Total number of times circuit breaker changed state (enabled/disabled)",
	})

	// CircuitBreakerCheckDuration tracks the time taken to check balance.
	CircuitBreakerCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "poolsettler_circuit_breaker_check_duration_seconds",
		Help:    "Time taken to check fee payer balance",
		Buckets: prometheus.DefBuckets,
	})
)
