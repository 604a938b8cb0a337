package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/gatekeeper/internal/clock"
	apperrors "github.com/Proton-105/gatekeeper/internal/errors"
	"github.com/Proton-105/gatekeeper/internal/limiter"
	"github.com/Proton-105/gatekeeper/internal/policy"
	"github.com/Proton-105/gatekeeper/internal/store"
	"github.com/Proton-105/gatekeeper/internal/supervisor"
	"github.com/Proton-105/gatekeeper/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *policy.Registry {
	t.Helper()

	reg, err := policy.NewRegistry(config.LimiterConfig{
		DegradedPolicy: "fail_open",
		ExemptKeys:     []string{"vip"},
		Policies: []config.PolicyConfig{
			{ID: "burst-5", Algorithm: "token_bucket", Capacity: 5, RefillPerSecond: 1},
			{ID: "window-10", Algorithm: "sliding_window", Capacity: 10, WindowMs: 1000},
		},
	}, testLogger())
	require.NoError(t, err)
	return reg
}

// unavailableStore simulates a remote store that is down.
type unavailableStore struct{}

func (unavailableStore) Get(ctx context.Context, key string) (limiter.BucketState, bool, error) {
	return limiter.BucketState{}, false, apperrors.NewStoreUnavailableError(errors.New("connection refused"))
}

func (unavailableStore) CompareAndSet(ctx context.Context, key string, expected *limiter.BucketState, updated limiter.BucketState, ttl time.Duration) (bool, error) {
	return false, apperrors.NewStoreUnavailableError(errors.New("connection refused"))
}

func (unavailableStore) Ping(ctx context.Context) error {
	return apperrors.NewStoreUnavailableError(errors.New("connection refused"))
}

// contendedStore loses every compare-and-set race.
type contendedStore struct {
	store.Store
}

func (contendedStore) CompareAndSet(ctx context.Context, key string, expected *limiter.BucketState, updated limiter.BucketState, ttl time.Duration) (bool, error) {
	return false, nil
}

func newCoordinator(t *testing.T, primary store.Store, degradedPolicy supervisor.Policy, clk clock.Clock) (*Coordinator, *supervisor.Supervisor) {
	t.Helper()

	sup := supervisor.New(supervisor.Config{
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		Cooldown:          time.Minute,
		DegradedPolicy:    degradedPolicy,
	}, primary, clk, testLogger())

	fallback := store.NewMemoryStore(testLogger())
	coord := New(Config{RetryBound: 3, PerCallTimeout: time.Second},
		testRegistry(t), primary, fallback, sup, clk, testLogger())

	return coord, sup
}

func TestCheck_TokenBucketScenario(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	coord, _ := newCoordinator(t, store.NewMemoryStore(testLogger()), supervisor.PolicyFailOpen, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := coord.Check(ctx, "user:1", "burst-5")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "call %d", i+1)
	}

	decision, err := coord.Check(ctx, "user:1", "burst-5")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.InDelta(t, 1000, decision.RetryAfter.Milliseconds(), 1)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	coord, _ := newCoordinator(t, store.NewMemoryStore(testLogger()), supervisor.PolicyFailOpen, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := coord.Check(ctx, "user:1", "burst-5")
		require.NoError(t, err)
	}

	decision, err := coord.Check(ctx, "user:2", "burst-5")
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "another key must have its own budget")
}

func TestCheck_InvalidPolicy(t *testing.T) {
	coord, _ := newCoordinator(t, store.NewMemoryStore(testLogger()), supervisor.PolicyFailOpen, nil)

	_, err := coord.Check(context.Background(), "user:1", "missing")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "E100", appErr.Code)
	assert.False(t, appErr.Retryable)
}

func TestCheck_ExemptKeyBypassesLimits(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	coord, _ := newCoordinator(t, store.NewMemoryStore(testLogger()), supervisor.PolicyFailOpen, clk)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		decision, err := coord.Check(ctx, "vip", "burst-5")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}
}

func TestCheck_FailOpenUsesLocalFallback(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	coord, sup := newCoordinator(t, unavailableStore{}, supervisor.PolicyFailOpen, clk)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 8; i++ {
		decision, err := coord.Check(ctx, "user:1", "burst-5")
		require.NoError(t, err, "store outage must not surface as an error")
		if decision.Allowed {
			allowed++
		}
	}

	assert.Equal(t, 5, allowed, "fallback enforces its own per-instance capacity")
	assert.Equal(t, supervisor.StateDegraded, sup.State())
}

func TestCheck_FailClosedDeniesEverything(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	coord, _ := newCoordinator(t, unavailableStore{}, supervisor.PolicyFailClosed, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := coord.Check(ctx, "user:1", "burst-5")
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Positive(t, decision.RetryAfter)
	}
}

func TestCheck_ExhaustedConflictsEscalateToDegradedPolicy(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	primary := contendedStore{Store: store.NewMemoryStore(testLogger())}

	// fail_open: the spent retry budget routes this request to the local
	// fallback, which serves it.
	coord, sup := newCoordinator(t, primary, supervisor.PolicyFailOpen, clk)
	decision, err := coord.Check(context.Background(), "user:1", "burst-5")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// Contention is not an outage.
	assert.Equal(t, supervisor.StateHealthy, sup.State())

	// fail_closed: same exhaustion, denied outright.
	coordClosed, supClosed := newCoordinator(t, primary, supervisor.PolicyFailClosed, clk)
	decision, err = coordClosed.Check(context.Background(), "user:1", "burst-5")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Positive(t, decision.RetryAfter)
	assert.Equal(t, supervisor.StateHealthy, supClosed.State())
}

func TestCheck_NoDoubleCountingUnderConcurrency(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	shared := store.NewMemoryStore(testLogger())

	sup := supervisor.New(supervisor.Config{FailureThreshold: 3, DegradedPolicy: supervisor.PolicyFailOpen}, shared, clk, testLogger())
	coord := New(Config{RetryBound: 10, PerCallTimeout: time.Second},
		testRegistry(t), shared, store.NewMemoryStore(testLogger()), sup, clk, testLogger())

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := coord.Check(context.Background(), "hot", "burst-5")
			assert.NoError(t, err)
			results <- decision.Allowed
		}()
	}

	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed, "combined admissions must equal capacity exactly")
}

func TestCheck_SlidingWindowThroughCoordinator(t *testing.T) {
	base := time.Unix(1700000000, 0)
	clk := clock.NewFake(base)
	coord, _ := newCoordinator(t, store.NewMemoryStore(testLogger()), supervisor.PolicyFailOpen, clk)
	ctx := context.Background()

	clk.Set(base.Add(999 * time.Millisecond))
	for i := 0; i < 10; i++ {
		decision, err := coord.Check(ctx, "user:1", "window-10")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}

	clk.Set(base.Add(1001 * time.Millisecond))
	allowed := 0
	for i := 0; i < 10; i++ {
		decision, err := coord.Check(ctx, "user:1", "window-10")
		require.NoError(t, err)
		if decision.Allowed {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 1)
}
