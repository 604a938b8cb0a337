package limiter

import (
	"math"
	"time"
)

// TokenBucket allows bursty consumption up to a saved capacity, refilled
// continuously at a fractional rate rather than in discrete ticks.
type TokenBucket struct {
	policy Policy
}

var _ Algorithm = (*TokenBucket)(nil)

func (t *TokenBucket) Kind() Kind { return KindTokenBucket }

func (t *TokenBucket) Init(now time.Time) BucketState {
	return BucketState{
		Tokens:       float64(t.policy.Capacity),
		LastRefillMs: now.UnixMilli(),
	}
}

func (t *TokenBucket) Take(state BucketState, now time.Time) (BucketState, Decision) {
	nowMs := now.UnixMilli()

	elapsedMs := nowMs - state.LastRefillMs
	if elapsedMs < 0 {
		// Clock went backwards; never subtract tokens.
		elapsedMs = 0
	}

	refilled := state.Tokens + float64(elapsedMs)/1000.0*t.policy.RefillPerSecond
	if capacity := float64(t.policy.Capacity); refilled > capacity {
		refilled = capacity
	}

	state.LastRefillMs = nowMs

	if t.policy.Capacity <= 0 {
		state.Tokens = 0
		return state, Decision{Allowed: false}
	}

	if refilled >= 1 {
		state.Tokens = refilled - 1
		return state, Decision{
			Allowed:   true,
			Remaining: int64(math.Floor(state.Tokens)),
		}
	}

	state.Tokens = refilled
	return state, Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: retryAfterForDeficit(1-refilled, t.policy.RefillPerSecond),
	}
}

func (t *TokenBucket) IdleTTL() time.Duration {
	return idleTTLForRate(t.policy.Capacity, t.policy.RefillPerSecond)
}

// retryAfterForDeficit converts a token deficit into the wait needed to
// close it at the given refill rate.
func retryAfterForDeficit(deficit, ratePerSecond float64) time.Duration {
	if ratePerSecond <= 0 || deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / ratePerSecond * float64(time.Second))
}

// idleTTLForRate returns twice the full-recovery duration so that expiry
// never fires before a bucket would have refilled completely.
func idleTTLForRate(capacity int64, ratePerSecond float64) time.Duration {
	if ratePerSecond <= 0 || capacity <= 0 {
		return 10 * time.Minute
	}
	full := time.Duration(float64(capacity) / ratePerSecond * float64(time.Second))
	if full < time.Second {
		full = time.Second
	}
	return 2 * full
}
