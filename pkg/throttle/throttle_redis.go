package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ocp:lastsent:"

// RedisStore implements LastSentStore on Redis for deployments where several
// interpreter processes share one throttle window.
type RedisStore struct {
	client *redis.Client

	// TTL, when positive, lets entries self-clean once they can no longer
	// influence a cooldown decision.
	TTL time.Duration
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

func (s *RedisStore) GetLastSent(ctx context.Context, key string) (int64, bool, error) {
	ms, err := s.client.Get(ctx, redisKeyPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis rate-limit get: %w", err)
	}
	return ms, true, nil
}

func (s *RedisStore) SetLastSent(ctx context.Context, key string, ms int64) error {
	if err := s.client.Set(ctx, redisKeyPrefix+key, ms, s.TTL).Err(); err != nil {
		return fmt.Errorf("redis rate-limit set: %w", err)
	}
	return nil
}

// Ping verifies connectivity, used by doctor checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
