package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Registration(t *testing.T) {
	if CacheHitsTotal == nil {
		t.Error("CacheHitsTotal not registered")
	}
	if CacheMissesTotal == nil {
		t.Error("CacheMissesTotal not registered")
	}
	if CacheSetsTotal == nil {
		t.Error("CacheSetsTotal not registered")
	}
	if CacheDeletesTotal == nil {
		t.Error("CacheDeletesTotal not registered")
	}
}

func TestMetrics_HitMissCounting(t *testing.T) {
	c := newTestCache[string](t)
	c.name = "metrics-test"

	hitsBefore := testutil.ToFloat64(CacheHitsTotal.WithLabelValues("metrics-test"))
	missesBefore := testutil.ToFloat64(CacheMissesTotal.WithLabelValues("metrics-test"))

	c.Set("k", "v", 0) // rejected, no write
	c.Get("k")
	c.Set("k", "v", 60_000_000_000)
	c.Get("k")

	if got := testutil.ToFloat64(CacheHitsTotal.WithLabelValues("metrics-test")) - hitsBefore; got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(CacheMissesTotal.WithLabelValues("metrics-test")) - missesBefore; got != 1 {
		t.Errorf("expected 1 miss, got %v", got)
	}
}
