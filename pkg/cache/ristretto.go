package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// RistrettoCache is a Cache backed by Ristretto.
type RistrettoCache[V any] struct {
	name   string
	cache  *ristretto.Cache
	logger *zap.Logger
}

// RistrettoConfig holds configuration for a Ristretto cache.
type RistrettoConfig struct {
	Name        string // label for metrics and logs
	NumCounters int64  // keys tracked for admission, ~10x max items
	MaxCost     int64  // max items, every entry costs 1
	BufferItems int64
	Logger      *zap.Logger
}

// NewRistrettoCache creates a Ristretto-backed cache holding values of type V.
func NewRistrettoCache[V any](cfg *RistrettoConfig) (*RistrettoCache[V], error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = "default"
	}

	return &RistrettoCache[V]{
		name:   name,
		cache:  c,
		logger: cfg.Logger.With(zap.String("cache", name)),
	}, nil
}

// Get returns the cached value for key.
func (r *RistrettoCache[V]) Get(key string) (V, bool) {
	var zero V

	raw, found := r.cache.Get(key)
	if !found {
		CacheMissesTotal.WithLabelValues(r.name).Inc()
		return zero, false
	}

	value, ok := raw.(V)
	if !ok {
		// Entry written under a different type; treat as absent.
		r.cache.Del(key)
		CacheMissesTotal.WithLabelValues(r.name).Inc()
		return zero, false
	}

	CacheHitsTotal.WithLabelValues(r.name).Inc()
	return value, true
}

// Set stores value for ttl and waits until the write is visible to Get.
func (r *RistrettoCache[V]) Set(key string, value V, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}

	ok := r.cache.SetWithTTL(key, value, 1, ttl)
	if !ok {
		r.logger.Debug("cache-set-dropped", zap.String("key", key))
		return false
	}
	r.cache.Wait()

	CacheSetsTotal.WithLabelValues(r.name).Inc()
	return true
}

// Delete removes key.
func (r *RistrettoCache[V]) Delete(key string) {
	r.cache.Del(key)
	CacheDeletesTotal.WithLabelValues(r.name).Inc()
}

// Close releases the cache.
func (r *RistrettoCache[V]) Close() {
	r.cache.Close()
	r.logger.Debug("cache-closed")
}

// Metrics returns Ristretto's internal counters.
func (r *RistrettoCache[V]) Metrics() *ristretto.Metrics {
	return r.cache.Metrics
}
