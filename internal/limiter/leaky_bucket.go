package limiter

import (
	"math"
	"time"
)

// LeakyBucket enforces a constant outflow ceiling. Unlike the token bucket
// it gives no credit for idle periods beyond draining its queue: bursts past
// capacity are rejected outright rather than smoothed.
type LeakyBucket struct {
	policy Policy
}

var _ Algorithm = (*LeakyBucket)(nil)

func (l *LeakyBucket) Kind() Kind { return KindLeakyBucket }

func (l *LeakyBucket) Init(now time.Time) BucketState {
	return BucketState{
		QueueLevel: 0,
		LastLeakMs: now.UnixMilli(),
	}
}

func (l *LeakyBucket) Take(state BucketState, now time.Time) (BucketState, Decision) {
	nowMs := now.UnixMilli()

	elapsedMs := nowMs - state.LastLeakMs
	if elapsedMs < 0 {
		elapsedMs = 0
	}

	leaked := state.QueueLevel - float64(elapsedMs)/1000.0*l.policy.RefillPerSecond
	if leaked < 0 {
		leaked = 0
	}

	state.LastLeakMs = nowMs

	capacity := float64(l.policy.Capacity)
	if leaked+1 <= capacity {
		state.QueueLevel = leaked + 1
		return state, Decision{
			Allowed:   true,
			Remaining: int64(math.Floor(capacity - state.QueueLevel)),
		}
	}

	state.QueueLevel = leaked
	return state, Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: retryAfterForDeficit(leaked+1-capacity, l.policy.RefillPerSecond),
	}
}

func (l *LeakyBucket) IdleTTL() time.Duration {
	return idleTTLForRate(l.policy.Capacity, l.policy.RefillPerSecond)
}
