package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Proton-105/gatekeeper/internal/limiter"
)

// Cleaner periodically removes long-idle bucket state. TTLs already expire
// keys; the cleaner reclaims what slipped through (writes that carried no
// TTL hint, local entries whose memory is still held).
type Cleaner struct {
	redisClient *redis.Client
	local       *MemoryStore
	log         *slog.Logger
	interval    time.Duration
	maxIdle     time.Duration
}

// NewCleaner constructs a Cleaner. Either backend may be nil.
func NewCleaner(client *redis.Client, local *MemoryStore, log *slog.Logger, interval, maxIdle time.Duration) *Cleaner {
	if log == nil {
		log = slog.Default()
	}
	if maxIdle <= 0 {
		maxIdle = 5 * time.Minute
	}

	return &Cleaner{
		redisClient: client,
		local:       local,
		log:         log,
		interval:    interval,
		maxIdle:     maxIdle,
	}
}

// Run starts the cleaner loop until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("store cleaner stopped", slog.String("reason", ctx.Err().Error()))
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *Cleaner) cleanup(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if c.local != nil {
		if removed := c.local.Cleanup(); removed > 0 {
			c.log.Info("local bucket state cleaned", slog.Int("keys_removed", removed))
		}
	}

	if c.redisClient == nil {
		return
	}

	const scanCount = 100

	cutoffMs := time.Now().Add(-c.maxIdle).UnixMilli()
	var cursor uint64
	cleaned := 0

	for {
		keys, nextCursor, err := c.redisClient.Scan(ctx, cursor, KeyPrefix+"*", scanCount).Result()
		if err != nil {
			c.log.Error("bucket state scan failed", slog.Any("error", err))
			return
		}

		for _, key := range keys {
			data, err := c.redisClient.Get(ctx, key).Result()
			if err != nil {
				continue
			}

			var state limiter.BucketState
			if err := json.Unmarshal([]byte(data), &state); err != nil {
				// Unreadable state is dead weight either way.
				_ = c.redisClient.Del(ctx, key).Err()
				cleaned++
				continue
			}

			if limiter.LastTouchedMs(state) >= cutoffMs {
				continue
			}

			if err := c.redisClient.Del(ctx, key).Err(); err != nil {
				c.log.Warn("failed to delete idle bucket state", slog.String("key", key), slog.Any("error", err))
				continue
			}
			cleaned++
		}

		if nextCursor == 0 {
			break
		}
		cursor = nextCursor
	}

	if cleaned > 0 {
		c.log.Info("idle bucket state cleaned", slog.Int("keys_removed", cleaned))
	}
}
