package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store for distributed deployments. All keys
// live under a configurable prefix so several runtimes can share one server.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentcell:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "state:",
	}, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.keyPrefix + key
}

// Store writes value under key.
func (s *RedisStore) Store(ctx context.Context, key string, value json.RawMessage) error {
	if key == "" {
		return ErrInvalidInput
	}
	return s.client.Set(ctx, s.redisKey(key), []byte(value), 0).Err()
}

// Retrieve reads the value for key.
func (s *RedisStore) Retrieve(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(data), true, nil
}

// Delete removes key, reporting whether it existed.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListKeys scans all keys with the given prefix, sorted ascending.
func (s *RedisStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.keyPrefix + prefix + "*"
	var keys []string

	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(s.keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes all keys under this store's prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
