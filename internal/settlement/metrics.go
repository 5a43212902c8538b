package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// RunsTotal counts RunResolution invocations by result.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolsettler_resolution_runs_total",
		Help: "Total resolution runs by result",
	}, []string{"result"})

	// StepOutcomesTotal counts step executions by outcome.
	StepOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolsettler_resolution_step_outcomes_total",
		Help: "Total resolution step executions by step and outcome",
	}, []string{"step", "outcome"})

	// HaltsTotal counts halted runs by the step that halted.
	HaltsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolsettler_resolution_halts_total",
		Help: "Total halted resolution runs by step",
	}, []string{"step"})

	// StepDurationSeconds tracks step latency including retries.
	StepDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolsettler_resolution_step_duration_seconds",
		Help:    "Duration of resolution steps including retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"step"})
)
