package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// TicksTotal tracks scheduler ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolsettler_scheduler_ticks_total",
		Help: "Total number of scheduler ticks",
	})

	// TickErrorsTotal tracks ticks that failed to list expired pools.
	TickErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolsettler_scheduler_tick_errors_total",
		Help: "Total number of scheduler ticks that failed to load expired pools",
	})

	// DispatchesTotal tracks resolution runs started by the scheduler.
	DispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolsettler_scheduler_dispatches_total",
		Help: "Total number of resolution runs dispatched",
	})

	// SkipsTotal tracks pools or ticks that were skipped, by reason.
	SkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolsettler_scheduler_skips_total",
		Help: "Total number of skipped dispatches by reason",
	}, []string{"reason"})

	// InFlightRuns tracks runs currently executing.
	InFlightRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolsettler_scheduler_in_flight_runs",
		Help: "Number of resolution runs currently executing",
	})
)
