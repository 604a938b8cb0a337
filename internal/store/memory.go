package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Proton-105/gatekeeper/internal/limiter"
)

type memoryEntry struct {
	state     limiter.BucketState
	expiresAt time.Time
}

// MemoryStore keeps bucket state in a process-local map. It is the
// single-instance backend and the fail-open fallback while the remote
// store is degraded.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	log     *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	if log == nil {
		log = slog.Default()
	}

	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		log:     log,
	}
}

// Get returns the live state for key. Expired entries count as absent.
func (m *MemoryStore) Get(ctx context.Context, key string) (limiter.BucketState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) {
		return limiter.BucketState{}, false, nil
	}

	return entry.state, true, nil
}

// CompareAndSet serializes concurrent writers on the same key through a
// single conditional swap under the store lock.
func (m *MemoryStore) CompareAndSet(ctx context.Context, key string, expected *limiter.BucketState, updated limiter.BucketState, ttl time.Duration) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if ok && entry.expired(now) {
		entry = nil
		ok = false
		delete(m.entries, key)
	}

	if expected == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || entry.state != *expected {
			return false, nil
		}
	}

	m.entries[key] = &memoryEntry{
		state:     updated,
		expiresAt: expiryAt(now, ttl),
	}

	return true, nil
}

// Ping always succeeds: the local map cannot be unreachable.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Cleanup removes expired entries and reports how many were dropped.
// TTLs already make expired entries invisible; this reclaims the memory.
func (m *MemoryStore) Cleanup() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}

	return removed
}

// Len reports the number of live entries. Intended for tests and metrics.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

func expiryAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
