package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// CallsTotal counts JSON-RPC calls by endpoint, method and result.
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolsettler_chain_calls_total",
		Help: "Total JSON-RPC calls by endpoint, method and result",
	}, []string{"endpoint", "method", "result"})

	// CallDuration tracks JSON-RPC call latency.
	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolsettler_chain_call_duration_seconds",
		Help:    "JSON-RPC call latency by endpoint and method",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"endpoint", "method"})
)
