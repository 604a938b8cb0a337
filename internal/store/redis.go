package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/Proton-105/gatekeeper/internal/errors"
	"github.com/Proton-105/gatekeeper/internal/limiter"
)

// KeyPrefix namespaces every bucket-state key in Redis.
const KeyPrefix = "ratelimit:"

// RedisClient is the subset of the Redis client the store needs. Satisfied
// by both pkg/redis.Client and its metrics decorator.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStore coordinates bucket state across service instances through a
// single Redis backend. Conditional writes use WATCH/MULTI so concurrent
// callers on the same key never lose updates: the loser's transaction
// fails and the coordinator retries against fresh state.
type RedisStore struct {
	client RedisClient
	log    *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client RedisClient, log *slog.Logger) *RedisStore {
	if log == nil {
		log = slog.Default()
	}

	return &RedisStore{
		client: client,
		log:    log,
	}
}

// Get fetches and decodes the state for key. Undecodable payloads are
// treated as absent so a poisoned key heals on the next write.
func (s *RedisStore) Get(ctx context.Context, key string) (limiter.BucketState, bool, error) {
	data, err := s.client.Get(ctx, KeyPrefix+key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return limiter.BucketState{}, false, nil
		}
		return limiter.BucketState{}, false, apperrors.NewStoreUnavailableError(err)
	}

	var state limiter.BucketState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		s.log.Warn("discarding undecodable bucket state", slog.String("key", key), slog.Any("error", err))
		return limiter.BucketState{}, false, nil
	}

	return state, true, nil
}

// CompareAndSet performs the optimistic conditional write. Returns false
// with a nil error on any conflict: the watched key changed mid-flight,
// the stored state no longer matches expected, or the key (dis)appeared.
func (s *RedisStore) CompareAndSet(ctx context.Context, key string, expected *limiter.BucketState, updated limiter.BucketState, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(updated)
	if err != nil {
		return false, err
	}

	redisKey := KeyPrefix + key
	conflict := false

	txFn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, redisKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if expected != nil {
				conflict = true
				return nil
			}
		case err != nil:
			return err
		default:
			if expected == nil {
				conflict = true
				return nil
			}
			var stored limiter.BucketState
			if err := json.Unmarshal([]byte(current), &stored); err == nil && stored != *expected {
				conflict = true
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, payload, ttl)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txFn, redisKey); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return false, nil
		}
		return false, apperrors.NewStoreUnavailableError(err)
	}

	return !conflict, nil
}

// Ping verifies the Redis backend answers within the call's deadline.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.NewStoreUnavailableError(err)
	}
	return nil
}
