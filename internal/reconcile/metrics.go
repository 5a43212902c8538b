package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// BetsReconciledTotal counts bets moved to Calculated.
	BetsReconciledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolsettler_reconcile_bets_total",
		Help: "Total bets written as Calculated by the reconciler",
	})

	// ClaimsTotal counts claim attempts by result.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolsettler_reconcile_claims_total",
		Help: "Total claim attempts by result",
	}, []string{"result"})
)
