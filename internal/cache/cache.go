package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is the key-value contract used by read-side projections.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns ErrMiss when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value with ttl. A non-positive ttl means no expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Incr atomically increments an integer counter, creating it at zero first.
	Incr(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// ErrMiss signals a cache miss, distinct from transport failures.
var ErrMiss = errMiss{}

type errMiss struct{}

func (errMiss) Error() string { return "cache: miss" }

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// New builds the cache selected by backend.
func New(backend, redisURL string) (Cache, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		return NewRedis(redisURL)
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", backend)
	}
}
