// Package store provides the adapters that persist per-key bucket state:
// a process-local map for single-instance deployments and degraded-mode
// fallback, and a Redis-backed adapter for multi-instance coordination.
package store

import (
	"context"
	"time"

	"github.com/Proton-105/gatekeeper/internal/limiter"
)

// Store is the read-modify-write contract the coordinator relies on.
// Per-key serialization across concurrent callers comes from
// CompareAndSet, never from locks spanning the service.
type Store interface {
	// Get returns the state stored for key. A missing key is not an
	// error: found is false and the caller default-initializes.
	Get(ctx context.Context, key string) (state limiter.BucketState, found bool, err error)

	// CompareAndSet writes updated only if the stored state still equals
	// expected. A nil expected asserts the key must not exist yet. The
	// ttl is the store's eviction hint for idle keys. Returns false with
	// a nil error when the conditional check lost a race.
	CompareAndSet(ctx context.Context, key string, expected *limiter.BucketState, updated limiter.BucketState, ttl time.Duration) (bool, error)

	// Ping verifies the backend is reachable. Used by supervisor probes
	// and health checks.
	Ping(ctx context.Context) error
}
