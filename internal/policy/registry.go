// Package policy compiles the configured rate limit policies into an
// immutable snapshot the coordinator reads per check.
package policy

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Proton-105/gatekeeper/internal/limiter"
	"github.com/Proton-105/gatekeeper/pkg/config"
)

// Policy is a compiled rate limit policy. The algorithm kind is resolved
// once here, at load time, so the per-request path never dispatches on a
// string.
type Policy struct {
	ID        string
	Kind      limiter.Kind
	Limits    limiter.Policy
	Algorithm limiter.Algorithm
}

type snapshot struct {
	policies map[string]*Policy
	exempt   map[string]struct{}
}

// Registry holds the active policy snapshot. Lookups are lock-free reads;
// a config reload atomically swaps the whole snapshot.
type Registry struct {
	current atomic.Pointer[snapshot]
	log     *slog.Logger
}

// NewRegistry compiles cfg into a Registry.
func NewRegistry(cfg config.LimiterConfig, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}

	snap, err := compile(cfg)
	if err != nil {
		return nil, err
	}

	r := &Registry{log: log}
	r.current.Store(snap)
	return r, nil
}

// Lookup returns the policy for id, or false when unknown.
func (r *Registry) Lookup(id string) (*Policy, bool) {
	pol, ok := r.current.Load().policies[id]
	return pol, ok
}

// IsExempt reports whether key bypasses rate limiting entirely.
func (r *Registry) IsExempt(key string) bool {
	_, ok := r.current.Load().exempt[key]
	return ok
}

// Len reports the number of active policies.
func (r *Registry) Len() int {
	return len(r.current.Load().policies)
}

// Reload swaps in a freshly compiled snapshot. On compile failure the
// previous snapshot stays active.
func (r *Registry) Reload(cfg config.LimiterConfig) error {
	snap, err := compile(cfg)
	if err != nil {
		r.log.Error("policy reload rejected", slog.Any("error", err))
		return err
	}

	r.current.Store(snap)
	r.log.Info("policy table reloaded", slog.Int("policies", len(snap.policies)))
	return nil
}

func compile(cfg config.LimiterConfig) (*snapshot, error) {
	policies := make(map[string]*Policy, len(cfg.Policies))

	for _, def := range cfg.Policies {
		if _, exists := policies[def.ID]; exists {
			return nil, fmt.Errorf("duplicate policy id %q", def.ID)
		}

		kind, err := limiter.ParseKind(def.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", def.ID, err)
		}

		limits := limiter.Policy{
			Capacity:        def.Capacity,
			RefillPerSecond: def.RefillPerSecond,
			Window:          time.Duration(def.WindowMs) * time.Millisecond,
		}

		alg, err := limiter.New(kind, limits)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", def.ID, err)
		}

		policies[def.ID] = &Policy{
			ID:        def.ID,
			Kind:      kind,
			Limits:    limits,
			Algorithm: alg,
		}
	}

	exempt := make(map[string]struct{}, len(cfg.ExemptKeys))
	for _, key := range cfg.ExemptKeys {
		exempt[key] = struct{}{}
	}

	return &snapshot{policies: policies, exempt: exempt}, nil
}
