// Package limiter implements the pure rate-limiting decision algorithms.
package limiter

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a limiting algorithm. The set is closed: kinds are
// resolved once at policy-load time, never looked up per request.
type Kind string

const (
	KindTokenBucket   Kind = "token_bucket"
	KindLeakyBucket   Kind = "leaky_bucket"
	KindSlidingWindow Kind = "sliding_window"
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTokenBucket, KindLeakyBucket, KindSlidingWindow:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown algorithm kind %q", s)
	}
}

// Policy holds the numeric limits an algorithm enforces. Immutable after
// construction; supplied by the policy registry.
type Policy struct {
	Capacity        int64
	RefillPerSecond float64
	Window          time.Duration
}

// BucketState is the per-key mutable state persisted by a store adapter.
// Each algorithm uses its own subset of fields; unused fields stay zero.
type BucketState struct {
	Tokens        float64 `json:"tokens,omitempty"`
	LastRefillMs  int64   `json:"last_refill_ms,omitempty"`
	QueueLevel    float64 `json:"queue_level,omitempty"`
	LastLeakMs    int64   `json:"last_leak_ms,omitempty"`
	WindowStartMs int64   `json:"window_start_ms,omitempty"`
	Count         int64   `json:"count,omitempty"`
	PrevCount     int64   `json:"prev_count,omitempty"`
}

// Decision captures the outcome of a single rate-limit evaluation.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Algorithm computes admission decisions over a key's state. Take is a pure
// function: no I/O, no clock reads, no mutation of the input state.
type Algorithm interface {
	Kind() Kind
	// Init returns the state for a key seen for the first time:
	// full token capacity, empty queue, empty window.
	Init(now time.Time) BucketState
	// Take consumes one unit if permitted and returns the updated state.
	Take(state BucketState, now time.Time) (BucketState, Decision)
	// IdleTTL is the duration after which idle state is indistinguishable
	// from fresh state. Store adapters use it as the expiry hint.
	IdleTTL() time.Duration
}

// ErrLimitExceeded indicates the rate limit has been reached for the key.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// New constructs the algorithm for the given kind and policy.
func New(kind Kind, policy Policy) (Algorithm, error) {
	switch kind {
	case KindTokenBucket:
		return &TokenBucket{policy: policy}, nil
	case KindLeakyBucket:
		return &LeakyBucket{policy: policy}, nil
	case KindSlidingWindow:
		if policy.Window <= 0 {
			return nil, errors.New("sliding window requires a positive window size")
		}
		return &SlidingWindow{policy: policy}, nil
	default:
		return nil, fmt.Errorf("unknown algorithm kind %q", kind)
	}
}

// LastTouchedMs returns the most recent timestamp recorded in the state,
// regardless of which algorithm wrote it.
func LastTouchedMs(state BucketState) int64 {
	latest := state.LastRefillMs
	if state.LastLeakMs > latest {
		latest = state.LastLeakMs
	}
	if state.WindowStartMs > latest {
		latest = state.WindowStartMs
	}
	return latest
}

// SkewMs reports how far ahead of now the state's timestamps sit, in
// milliseconds. A positive value means the wall clock went backwards since
// the state was written; algorithms already clamp the elapsed time to zero,
// this exists so the caller can log the event.
func SkewMs(state BucketState, now time.Time) int64 {
	if skew := LastTouchedMs(state) - now.UnixMilli(); skew > 0 {
		return skew
	}
	return 0
}
