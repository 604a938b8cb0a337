package limiter

import (
	"math"
	"time"
)

// SlidingWindow approximates a true request-log sliding window in O(1)
// space: two adjacent fixed windows and a linear interpolation of the
// previous window's count. Avoids the double-burst artifact of plain fixed
// windows at boundary crossings.
type SlidingWindow struct {
	policy Policy
}

var _ Algorithm = (*SlidingWindow)(nil)

func (s *SlidingWindow) Kind() Kind { return KindSlidingWindow }

func (s *SlidingWindow) Init(now time.Time) BucketState {
	windowMs := s.policy.Window.Milliseconds()
	return BucketState{
		WindowStartMs: now.UnixMilli() / windowMs * windowMs,
	}
}

func (s *SlidingWindow) Take(state BucketState, now time.Time) (BucketState, Decision) {
	nowMs := now.UnixMilli()
	windowMs := s.policy.Window.Milliseconds()

	currentStart := nowMs / windowMs * windowMs
	if currentStart < state.WindowStartMs {
		// Clock went backwards; stay in the recorded window.
		currentStart = state.WindowStartMs
		nowMs = currentStart
	}

	if currentStart != state.WindowStartMs {
		if currentStart-state.WindowStartMs == windowMs {
			state.PrevCount = state.Count
		} else {
			state.PrevCount = 0
		}
		state.Count = 0
		state.WindowStartMs = currentStart
	}

	fraction := float64(nowMs-currentStart) / float64(windowMs)
	estimate := float64(state.PrevCount)*(1-fraction) + float64(state.Count)

	capacity := float64(s.policy.Capacity)
	if estimate < capacity {
		state.Count++
		remaining := int64(capacity - math.Ceil(estimate+1))
		if remaining < 0 {
			remaining = 0
		}
		return state, Decision{Allowed: true, Remaining: remaining}
	}

	return state, Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: s.retryAfter(state, fraction),
	}
}

// retryAfter computes when the weighted estimate will next drop below
// capacity. When the current window alone is at capacity the caller has to
// wait for the next boundary.
func (s *SlidingWindow) retryAfter(state BucketState, fraction float64) time.Duration {
	window := s.policy.Window
	untilBoundary := time.Duration((1 - fraction) * float64(window))

	if state.Count >= s.policy.Capacity || state.PrevCount <= 0 {
		return untilBoundary
	}

	// prev*(1-f) + count < capacity  =>  f > 1 - (capacity-count)/prev
	needed := 1 - float64(s.policy.Capacity-state.Count)/float64(state.PrevCount)
	if needed <= fraction {
		return 0
	}
	return time.Duration((needed - fraction) * float64(window))
}

func (s *SlidingWindow) IdleTTL() time.Duration {
	ttl := 2 * s.policy.Window
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
