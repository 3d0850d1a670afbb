package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 2 * time.Second

var _ Store = (*RedisStore)(nil)

// RedisStore persists keys in Redis, for hosts where several processes
// share one lock state (kiosk terminals, agent desktops). Keys never expire.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisStore(client redis.UniversalClient, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisStore{
		client:  client,
		timeout: timeout,
	}
}

func (rs *RedisStore) Get(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rs.timeout)
	defer cancel()

	v, err := rs.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (rs *RedisStore) Set(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), rs.timeout)
	defer cancel()

	if err := rs.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (rs *RedisStore) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), rs.timeout)
	defer cancel()

	if err := rs.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
