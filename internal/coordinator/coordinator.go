// Package coordinator orchestrates a rate-check request: key resolution,
// state load, algorithm invocation, conditional persistence, and the
// degraded-mode escalation path.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Proton-105/gatekeeper/internal/clock"
	apperrors "github.com/Proton-105/gatekeeper/internal/errors"
	"github.com/Proton-105/gatekeeper/internal/limiter"
	"github.com/Proton-105/gatekeeper/internal/policy"
	"github.com/Proton-105/gatekeeper/internal/store"
	"github.com/Proton-105/gatekeeper/internal/supervisor"
	"github.com/Proton-105/gatekeeper/pkg/metrics"
)

const (
	backendPrimary  = "redis"
	backendFallback = "memory"

	// Advertised wait when a request is denied without an algorithmic
	// retry hint: exhausted CAS retries or fail-closed mode.
	denyRetryAfter = time.Second
)

// Config bounds the coordinator's store interaction per check.
type Config struct {
	// RetryBound caps compare-and-set attempts before the request is
	// denied outright.
	RetryBound int
	// PerCallTimeout is the deadline applied to each store round trip,
	// keeping the aggregate check latency at RetryBound*PerCallTimeout
	// worst case.
	PerCallTimeout time.Duration
}

// Coordinator is the single entry point for admission decisions.
type Coordinator struct {
	policies *policy.Registry
	primary  store.Store
	fallback store.Store
	sup      *supervisor.Supervisor
	clk      clock.Clock
	log      *slog.Logger
	cfg      Config
}

// New wires a Coordinator.
func New(cfg Config, policies *policy.Registry, primary, fallback store.Store, sup *supervisor.Supervisor, clk clock.Clock, log *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.RetryBound <= 0 {
		cfg.RetryBound = 3
	}
	if cfg.PerCallTimeout <= 0 {
		cfg.PerCallTimeout = 500 * time.Millisecond
	}

	return &Coordinator{
		policies: policies,
		primary:  primary,
		fallback: fallback,
		sup:      sup,
		clk:      clk,
		log:      log,
		cfg:      cfg,
	}
}

// Check decides whether one unit of consumption is permitted for key under
// the named policy. Store outages never surface as errors: they resolve
// into the configured fail-open or fail-closed decision. The only errors
// callers see are an unknown policy and internal failures past all
// recovery paths.
func (c *Coordinator) Check(ctx context.Context, key, policyID string) (limiter.Decision, error) {
	start := time.Now()

	pol, ok := c.policies.Lookup(policyID)
	if !ok {
		return limiter.Decision{}, apperrors.NewInvalidPolicyError(policyID)
	}

	if c.policies.IsExempt(key) {
		return limiter.Decision{Allowed: true, Remaining: pol.Limits.Capacity}, nil
	}

	degraded := !c.sup.UsePrimary()

	if !degraded {
		decision, err := c.decide(ctx, c.primary, pol, key, true)
		if err == nil {
			c.observe(pol, key, decision, backendPrimary, false, start)
			return decision, nil
		}

		if ctx.Err() != nil {
			return limiter.Decision{}, apperrors.NewInternalError(ctx.Err())
		}

		// Remote store unavailable or its retry budget spent for this
		// request; apply the degraded policy even if the supervisor
		// has not tripped yet.
		degraded = true
	}

	switch c.sup.DegradedPolicy() {
	case supervisor.PolicyFailOpen:
		decision, err := c.decide(ctx, c.fallback, pol, key, false)
		if err != nil {
			if isConflict(err) {
				// The fallback is contended too; deny this request.
				decision = limiter.Decision{Allowed: false, RetryAfter: denyRetryAfter}
			} else {
				return limiter.Decision{}, apperrors.NewInternalError(err)
			}
		}
		c.observe(pol, key, decision, backendFallback, degraded, start)
		return decision, nil

	default: // fail_closed
		decision := limiter.Decision{Allowed: false, RetryAfter: denyRetryAfter}
		c.observe(pol, key, decision, backendPrimary, degraded, start)
		return decision, nil
	}
}

// decide runs the optimistic read-modify-write loop against one store.
// A nil error always carries a valid decision; errors mean the store was
// unreachable or the conflict retry budget ran out.
func (c *Coordinator) decide(ctx context.Context, st store.Store, pol *policy.Policy, key string, isPrimary bool) (limiter.Decision, error) {
	storageKey := pol.ID + ":" + key

	for attempt := 0; attempt < c.cfg.RetryBound; attempt++ {
		if attempt > 0 {
			// Jittered delay so instances contending on one key do
			// not retry in lockstep.
			select {
			case <-ctx.Done():
				return limiter.Decision{}, ctx.Err()
			case <-time.After(apperrors.Backoff(attempt)):
			}
		}

		state, found, err := c.getState(ctx, st, storageKey)
		if err != nil {
			c.reportOutcome(isPrimary, err)
			return limiter.Decision{}, err
		}

		now := c.clk.Now()

		var expected *limiter.BucketState
		if found {
			if skew := limiter.SkewMs(state, now); skew > 0 {
				metrics.RecordClockSkew()
				c.log.Warn("clock regression detected, elapsed time clamped to zero",
					slog.String("key", key),
					slog.Int64("skew_ms", skew),
				)
			}
			snapshot := state
			expected = &snapshot
		} else {
			state = pol.Algorithm.Init(now)
		}

		newState, decision := pol.Algorithm.Take(state, now)

		ok, err := c.setState(ctx, st, storageKey, expected, newState, pol.Algorithm.IdleTTL())
		if err != nil {
			c.reportOutcome(isPrimary, err)
			return limiter.Decision{}, err
		}
		if ok {
			c.reportOutcome(isPrimary, nil)
			return decision, nil
		}

		metrics.RecordConflictRetry()
	}

	// Retries exhausted under contention: the store answered every call,
	// so the supervisor is not involved, but the caller escalates this
	// single request to the degraded policy.
	c.reportOutcome(isPrimary, nil)
	c.log.Warn("compare-and-set retries exhausted",
		slog.String("key", key),
		slog.String("policy", pol.ID),
		slog.Int("attempts", c.cfg.RetryBound),
	)
	return limiter.Decision{}, apperrors.NewConflictError(key)
}

func (c *Coordinator) getState(ctx context.Context, st store.Store, key string) (limiter.BucketState, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.PerCallTimeout)
	defer cancel()
	return st.Get(callCtx, key)
}

func (c *Coordinator) setState(ctx context.Context, st store.Store, key string, expected *limiter.BucketState, updated limiter.BucketState, ttl time.Duration) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.PerCallTimeout)
	defer cancel()
	return st.CompareAndSet(callCtx, key, expected, updated, ttl)
}

func isConflict(err error) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr) && appErr.Code == "E300"
}

func (c *Coordinator) reportOutcome(isPrimary bool, err error) {
	if !isPrimary {
		return
	}

	if err != nil {
		metrics.RecordStoreError()
		c.sup.ReportFailure()
		return
	}
	c.sup.ReportSuccess()
}

// observe emits the per-decision metrics and the structured event an
// external collector can consume.
func (c *Coordinator) observe(pol *policy.Policy, key string, decision limiter.Decision, backend string, degraded bool, start time.Time) {
	metrics.RecordDecision(pol.ID, string(pol.Kind), backend, decision.Allowed, time.Since(start))

	c.log.Debug("rate limit decision",
		slog.String("key", key),
		slog.String("policy", pol.ID),
		slog.Bool("allowed", decision.Allowed),
		slog.String("algorithm", string(pol.Kind)),
		slog.Bool("degraded", degraded),
	)
}
