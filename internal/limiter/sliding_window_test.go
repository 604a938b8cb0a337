package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slidingWindowAt(t *testing.T, capacity int64, window time.Duration) (Algorithm, time.Time) {
	t.Helper()

	alg, err := New(KindSlidingWindow, Policy{Capacity: capacity, Window: window})
	require.NoError(t, err)

	// Align to a window boundary so offsets in the tests are exact.
	start := time.UnixMilli(testStart().UnixMilli() / window.Milliseconds() * window.Milliseconds())
	return alg, start
}

func TestSlidingWindow_CapacityWithinWindow(t *testing.T) {
	alg, start := slidingWindowAt(t, 3, time.Second)
	state := alg.Init(start)

	now := start.Add(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		var decision Decision
		state, decision = alg.Take(state, now)
		assert.True(t, decision.Allowed, "call %d", i+1)
	}

	state, decision := alg.Take(state, now)
	assert.False(t, decision.Allowed)
	assert.Positive(t, decision.RetryAfter)
	assert.Equal(t, int64(3), state.Count)
}

func TestSlidingWindow_BoundarySmoothing(t *testing.T) {
	alg, start := slidingWindowAt(t, 10, time.Second)
	state := alg.Init(start)

	// 10 requests just before the boundary all fit.
	now := start.Add(999 * time.Millisecond)
	for i := 0; i < 10; i++ {
		var decision Decision
		state, decision = alg.Take(state, now)
		assert.True(t, decision.Allowed, "pre-boundary call %d", i+1)
	}

	// Just after the boundary the previous window still weighs in at
	// ~9.99, so the second burst is mostly denied.
	now = start.Add(1001 * time.Millisecond)
	allowed := 0
	for i := 0; i < 10; i++ {
		var decision Decision
		state, decision = alg.Take(state, now)
		if decision.Allowed {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 1, "fixed-window double burst must not slip through")
}

func TestSlidingWindow_PreviousWindowFadesOut(t *testing.T) {
	alg, start := slidingWindowAt(t, 4, time.Second)
	state := alg.Init(start)

	now := start.Add(900 * time.Millisecond)
	for i := 0; i < 4; i++ {
		state, _ = alg.Take(state, now)
	}

	// Halfway through the next window the estimate is 4*0.5 = 2,
	// leaving room for more.
	now = start.Add(1500 * time.Millisecond)
	state, decision := alg.Take(state, now)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(4), state.PrevCount)
	assert.Equal(t, int64(1), state.Count)
}

func TestSlidingWindow_GapClearsPreviousCount(t *testing.T) {
	alg, start := slidingWindowAt(t, 2, time.Second)
	state := alg.Init(start)

	state, _ = alg.Take(state, start)
	state, _ = alg.Take(state, start)

	// Skipping more than one full window leaves no history to weigh.
	now := start.Add(3 * time.Second)
	state, decision := alg.Take(state, now)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(0), state.PrevCount)
	assert.Equal(t, int64(1), state.Count)
}

func TestSlidingWindow_RetryAfterReachesAdmission(t *testing.T) {
	alg, start := slidingWindowAt(t, 10, time.Second)
	state := alg.Init(start)

	now := start.Add(999 * time.Millisecond)
	for i := 0; i < 10; i++ {
		state, _ = alg.Take(state, now)
	}

	now = start.Add(1001 * time.Millisecond)
	var decision Decision
	for i := 0; i < 10; i++ {
		state, decision = alg.Take(state, now)
	}
	require.False(t, decision.Allowed)
	require.Positive(t, decision.RetryAfter)

	// Waiting out the advertised delay must make the next call admissible.
	now = now.Add(decision.RetryAfter + 5*time.Millisecond)
	state, decision = alg.Take(state, now)
	assert.True(t, decision.Allowed)
	_ = state
}

func TestSlidingWindow_CountNeverExceedsCapacityPerWindow(t *testing.T) {
	alg, start := slidingWindowAt(t, 5, time.Second)
	state := alg.Init(start)

	now := start
	for i := 0; i < 50; i++ {
		now = now.Add(17 * time.Millisecond)
		state, _ = alg.Take(state, now)
		assert.LessOrEqual(t, state.Count, int64(5))
		assert.GreaterOrEqual(t, state.Count, int64(0))
	}
}

func TestParseKind(t *testing.T) {
	for _, valid := range []string{"token_bucket", "leaky_bucket", "sliding_window"} {
		kind, err := ParseKind(valid)
		require.NoError(t, err)
		assert.Equal(t, Kind(valid), kind)
	}

	_, err := ParseKind("fixed_window")
	assert.Error(t, err)
}
