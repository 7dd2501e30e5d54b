package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sigil:"

// RedisStore keeps records in Redis so several server instances share
// ceremony state and single-use codes.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// OpenRedis parses a redis:// URL and verifies connectivity.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client), nil
}

func redisKey(ns, key string) string {
	return keyPrefix + ns + ":" + key
}

func (s *RedisStore) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, redisKey(ns, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, redisKey(ns, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Take(ctx context.Context, ns, key string) ([]byte, error) {
	v, err := s.client.GetDel(ctx, redisKey(ns, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Delete(ctx context.Context, ns, key string) error {
	if err := s.client.Del(ctx, redisKey(ns, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
