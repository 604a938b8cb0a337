// Package supervisor tracks remote store health and decides how the
// coordinator behaves while the store is unreachable.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Proton-105/gatekeeper/internal/clock"
	"github.com/Proton-105/gatekeeper/internal/store"
	"github.com/Proton-105/gatekeeper/pkg/metrics"
)

// State of the remote store as observed by this instance.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Policy selects the degraded-mode behavior. The tradeoff is
// application-specific, so it is a declared configuration input.
type Policy string

const (
	// PolicyFailOpen routes checks to the local fallback store:
	// per-instance limits, looser but available.
	PolicyFailOpen Policy = "fail_open"
	// PolicyFailClosed denies every check while degraded.
	PolicyFailClosed Policy = "fail_closed"
)

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyFailOpen, PolicyFailClosed:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown degraded policy %q", s)
	}
}

// Config tunes the state machine.
type Config struct {
	// FailureThreshold is the number of consecutive store failures that
	// trips Healthy into Degraded.
	FailureThreshold int
	// RecoveryThreshold is the number of consecutive successful probes
	// required to return from Recovering to Healthy.
	RecoveryThreshold int
	// Cooldown is the wait after degrading before the first probe.
	Cooldown time.Duration
	// ProbeInterval spaces probes while not Healthy.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each probe call.
	ProbeTimeout time.Duration
	// DegradedPolicy is applied while the store is not Healthy.
	DegradedPolicy Policy
}

// Supervisor is the degraded-mode state machine. The coordinator reports
// every primary store outcome; a background probe loop drives recovery so
// request traffic never touches a store known to be down.
type Supervisor struct {
	cfg     Config
	primary store.Store
	clk     clock.Clock
	log     *slog.Logger

	mu             sync.Mutex
	state          State
	failures       int
	probeSuccesses int
	degradedAt     time.Time
}

// New constructs a Supervisor in the Healthy state.
func New(cfg Config, primary store.Store, clk clock.Clock, log *slog.Logger) *Supervisor {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 3
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}

	metrics.SetSupervisorState(StateHealthy.String())

	return &Supervisor{
		cfg:     cfg,
		primary: primary,
		clk:     clk,
		log:     log,
		state:   StateHealthy,
	}
}

// UsePrimary reports whether the coordinator should route checks to the
// remote store. While Recovering, traffic stays on the degraded path and
// only probes touch the remote store.
func (s *Supervisor) UsePrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateHealthy
}

// DegradedPolicy returns the configured fail-open/fail-closed choice.
func (s *Supervisor) DegradedPolicy() Policy {
	return s.cfg.DegradedPolicy
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReportSuccess records a successful primary store call.
func (s *Supervisor) ReportSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}

// ReportFailure records a failed primary store call, degrading once the
// consecutive-failure threshold is crossed.
func (s *Supervisor) ReportFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	if s.state == StateHealthy && s.failures >= s.cfg.FailureThreshold {
		s.transitionLocked(StateDegraded)
	}
}

// Run drives the probe loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cfg.ProbeInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopped", slog.String("reason", ctx.Err().Error()))
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// Probe issues one health probe against the primary store if the current
// state calls for it, applying the resulting transition.
func (s *Supervisor) Probe(ctx context.Context) {
	s.mu.Lock()
	state := s.state
	sinceDegraded := s.clk.Now().Sub(s.degradedAt)
	s.mu.Unlock()

	switch state {
	case StateHealthy:
		return
	case StateDegraded:
		if sinceDegraded < s.cfg.Cooldown {
			return
		}
	case StateRecovering:
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	err := s.primary.Ping(probeCtx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if s.state == StateRecovering {
			s.transitionLocked(StateDegraded)
		}
		return
	}

	switch s.state {
	case StateDegraded:
		s.transitionLocked(StateRecovering)
		s.probeSuccesses = 1
	case StateRecovering:
		s.probeSuccesses++
	}

	if s.state == StateRecovering && s.probeSuccesses >= s.cfg.RecoveryThreshold {
		s.transitionLocked(StateHealthy)
	}
}

func (s *Supervisor) transitionLocked(next State) {
	if s.state == next {
		return
	}

	prev := s.state
	s.state = next

	switch next {
	case StateDegraded:
		s.degradedAt = s.clk.Now()
		s.probeSuccesses = 0
	case StateHealthy:
		s.failures = 0
		s.probeSuccesses = 0
	}

	metrics.SetSupervisorState(next.String())
	s.log.Warn("store health transition",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
		slog.String("degraded_policy", string(s.cfg.DegradedPolicy)),
	)
}
