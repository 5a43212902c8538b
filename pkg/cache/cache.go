package cache

import "time"

// Cache is a keyed store whose entries expire after a TTL.
type Cache[V any] interface {
	// Get returns the value for key and whether it was present and unexpired.
	Get(key string) (V, bool)

	// Set stores value under key for ttl. It reports whether the write was
	// admitted.
	Set(key string, value V, ttl time.Duration) bool

	// Delete removes key.
	Delete(key string)

	// Close releases resources.
	Close()
}
