package health

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Proton-105/gatekeeper/internal/store"
	"github.com/Proton-105/gatekeeper/internal/supervisor"
)

// Checkable represents a component that can report its health status.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// Checker aggregates health checks for multiple components.
type Checker struct {
	log    *slog.Logger
	checks map[string]Checkable
}

// NewChecker instantiates a Checker with the provided logger.
func NewChecker(log *slog.Logger) *Checker {
	return &Checker{
		log:    log,
		checks: make(map[string]Checkable),
	}
}

// AddCheck registers a checkable component by name.
func (c *Checker) AddCheck(name string, check Checkable) {
	if name == "" || check == nil {
		return
	}
	c.checks[name] = check
}

// Check runs all registered health checks and returns their statuses.
func (c *Checker) Check(ctx context.Context) map[string]string {
	results := make(map[string]string, len(c.checks))

	for name, check := range c.checks {
		if check == nil {
			results[name] = "no check configured"
			continue
		}

		if err := check.HealthCheck(ctx); err != nil {
			results[name] = err.Error()
			if c.log != nil {
				c.log.Error("health check failed", slog.String("component", name), slog.Any("error", err))
			}
			continue
		}

		results[name] = "OK"
	}

	return results
}

// Pinger abstracts the subset of redis.Client used for health checks.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisChecker verifies connectivity to a Redis instance.
type RedisChecker struct {
	pinger Pinger
}

// NewRedisChecker constructs a RedisChecker.
func NewRedisChecker(pinger Pinger) *RedisChecker {
	return &RedisChecker{pinger: pinger}
}

// HealthCheck issues a PING command against Redis.
func (c *RedisChecker) HealthCheck(ctx context.Context) error {
	if c == nil || c.pinger == nil {
		return redis.ErrClosed
	}
	return c.pinger.Ping(ctx).Err()
}

// StoreChecker verifies a state store adapter is reachable.
type StoreChecker struct {
	store store.Store
}

// NewStoreChecker constructs a StoreChecker.
func NewStoreChecker(st store.Store) *StoreChecker {
	return &StoreChecker{store: st}
}

// HealthCheck pings the underlying store.
func (c *StoreChecker) HealthCheck(ctx context.Context) error {
	if c == nil || c.store == nil {
		return fmt.Errorf("store is not configured")
	}
	return c.store.Ping(ctx)
}

// SupervisorChecker reports the degraded-mode state. A degraded limiter is
// still serving decisions, so only full degradation is an error; recovery
// shows up in the message.
type SupervisorChecker struct {
	sup *supervisor.Supervisor
}

// NewSupervisorChecker constructs a SupervisorChecker.
func NewSupervisorChecker(sup *supervisor.Supervisor) *SupervisorChecker {
	return &SupervisorChecker{sup: sup}
}

// HealthCheck fails while the remote store is considered down.
func (c *SupervisorChecker) HealthCheck(ctx context.Context) error {
	if c == nil || c.sup == nil {
		return fmt.Errorf("supervisor is not configured")
	}

	if state := c.sup.State(); state != supervisor.StateHealthy {
		return fmt.Errorf("remote store %s", state)
	}
	return nil
}
