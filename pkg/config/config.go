package config

import (
	"time"

	"github.com/Proton-105/gatekeeper/pkg/redis"
)

// Config holds runtime configuration for the gatekeeper service.
type Config struct {
	AppEnv string `mapstructure:"-"`

	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Redis   redis.Config  `mapstructure:"redis"`
	Limiter LimiterConfig `mapstructure:"limiter"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level     string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxAgeDay int    `mapstructure:"max_age_days"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// HTTPConfig configures the decision API server.
type HTTPConfig struct {
	Port            string        `mapstructure:"port" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LimiterConfig holds everything the admission-control core needs.
type LimiterConfig struct {
	// DegradedPolicy picks the behavior while the remote store is down.
	// Deliberately has no default: the operator must choose.
	DegradedPolicy string `mapstructure:"degraded_policy" validate:"required,oneof=fail_open fail_closed"`

	// RetryBound caps compare-and-set retries per check.
	RetryBound int `mapstructure:"retry_bound" validate:"omitempty,min=1,max=10"`
	// PerCallTimeout bounds each remote store round trip.
	PerCallTimeout time.Duration `mapstructure:"per_call_timeout"`

	CleanerInterval time.Duration `mapstructure:"cleaner_interval"`
	CleanerMaxIdle  time.Duration `mapstructure:"cleaner_max_idle"`

	Supervisor SupervisorConfig `mapstructure:"supervisor"`

	// ExemptKeys bypass rate limiting entirely.
	ExemptKeys []string `mapstructure:"exempt_keys"`

	Policies []PolicyConfig `mapstructure:"policies" validate:"required,min=1,dive"`
}

// SupervisorConfig tunes the degraded-mode state machine.
type SupervisorConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold" validate:"omitempty,min=1"`
	RecoveryThreshold int           `mapstructure:"recovery_threshold" validate:"omitempty,min=1"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
}

// PolicyConfig declares one named rate limit policy.
type PolicyConfig struct {
	ID              string  `mapstructure:"id" validate:"required"`
	Algorithm       string  `mapstructure:"algorithm" validate:"required,oneof=token_bucket leaky_bucket sliding_window"`
	Capacity        int64   `mapstructure:"capacity" validate:"min=0"`
	RefillPerSecond float64 `mapstructure:"refill_per_second" validate:"min=0"`
	WindowMs        int64   `mapstructure:"window_ms" validate:"min=0"`
}
