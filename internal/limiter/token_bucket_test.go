package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStart() time.Time {
	return time.Unix(1700000000, 0)
}

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	alg, err := New(KindTokenBucket, Policy{Capacity: 5, RefillPerSecond: 1})
	require.NoError(t, err)

	now := testStart()
	state := alg.Init(now)

	for i := 0; i < 5; i++ {
		var decision Decision
		state, decision = alg.Take(state, now)
		assert.True(t, decision.Allowed, "call %d should be allowed", i+1)
	}

	state, decision := alg.Take(state, now)
	assert.False(t, decision.Allowed)
	assert.InDelta(t, 1000, decision.RetryAfter.Milliseconds(), 1)
	assert.GreaterOrEqual(t, state.Tokens, 0.0)
}

func TestTokenBucket_FractionalRefill(t *testing.T) {
	alg, err := New(KindTokenBucket, Policy{Capacity: 2, RefillPerSecond: 2})
	require.NoError(t, err)

	now := testStart()
	state := alg.Init(now)

	state, _ = alg.Take(state, now)
	state, _ = alg.Take(state, now)

	state, decision := alg.Take(state, now)
	assert.False(t, decision.Allowed)

	// 500ms at 2 tokens/s refills exactly one token.
	now = now.Add(500 * time.Millisecond)
	state, decision = alg.Take(state, now)
	assert.True(t, decision.Allowed)

	state, decision = alg.Take(state, now)
	assert.False(t, decision.Allowed)
	_ = state
}

func TestTokenBucket_FullRecoveryAlwaysAllows(t *testing.T) {
	alg, err := New(KindTokenBucket, Policy{Capacity: 3, RefillPerSecond: 0.5})
	require.NoError(t, err)

	now := testStart()
	state := alg.Init(now)

	for i := 0; i < 4; i++ {
		state, _ = alg.Take(state, now)
	}

	// capacity / refillRate = 6s restores the full burst.
	now = now.Add(6 * time.Second)
	for i := 0; i < 3; i++ {
		var decision Decision
		state, decision = alg.Take(state, now)
		assert.True(t, decision.Allowed, "call %d after full recovery", i+1)
	}
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	alg, err := New(KindTokenBucket, Policy{Capacity: 2, RefillPerSecond: 100})
	require.NoError(t, err)

	now := testStart()
	state := alg.Init(now)

	now = now.Add(time.Hour)
	state, decision := alg.Take(state, now)
	assert.True(t, decision.Allowed)
	assert.LessOrEqual(t, state.Tokens, 2.0)
	assert.Equal(t, int64(1), decision.Remaining)
}

func TestTokenBucket_ClockRegressionNeverSubtracts(t *testing.T) {
	alg, err := New(KindTokenBucket, Policy{Capacity: 5, RefillPerSecond: 1})
	require.NoError(t, err)

	now := testStart()
	state := alg.Init(now)
	state, _ = alg.Take(state, now)
	tokensBefore := state.Tokens

	past := now.Add(-10 * time.Second)
	assert.Positive(t, SkewMs(state, past))

	state, decision := alg.Take(state, past)
	assert.True(t, decision.Allowed)
	assert.InDelta(t, tokensBefore-1, state.Tokens, 1e-9)
}

func TestTokenBucket_ZeroCapacityAlwaysDenies(t *testing.T) {
	alg, err := New(KindTokenBucket, Policy{Capacity: 0, RefillPerSecond: 10})
	require.NoError(t, err)

	now := testStart()
	state := alg.Init(now)

	for i := 0; i < 3; i++ {
		var decision Decision
		state, decision = alg.Take(state, now)
		assert.False(t, decision.Allowed)
		now = now.Add(time.Second)
	}
}

func TestTokenBucket_StateStaysWithinBounds(t *testing.T) {
	alg, err := New(KindTokenBucket, Policy{Capacity: 4, RefillPerSecond: 3})
	require.NoError(t, err)

	now := testStart()
	state := alg.Init(now)

	steps := []time.Duration{0, 100 * time.Millisecond, 0, time.Second, 0, 0, 0, 5 * time.Second}
	for _, step := range steps {
		now = now.Add(step)
		state, _ = alg.Take(state, now)
		assert.GreaterOrEqual(t, state.Tokens, 0.0)
		assert.LessOrEqual(t, state.Tokens, 4.0)
	}
}
