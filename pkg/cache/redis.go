package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache is a thin JSON-value cache on top of Redis. The crawler
// uses it to remember which search hits were already scraped so that
// re-served hits are skipped across iterations.
type RedisCache struct {
	client *redis.Client
	ctx    context.Context
}

// Config holds Redis connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New creates a RedisCache and verifies connectivity.
func New(cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := client.Context()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisCache{client: client, ctx: ctx}, nil
}

// Set stores a JSON-encoded value under key with a TTL.
func (rc *RedisCache) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return rc.client.Set(rc.ctx, key, data, ttl).Err()
}

// Get reads a JSON-encoded value into dest. Returns redis.Nil when the
// key does not exist.
func (rc *RedisCache) Get(key string, dest interface{}) error {
	data, err := rc.client.Get(rc.ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Exists reports whether the key is present.
func (rc *RedisCache) Exists(key string) (bool, error) {
	n, err := rc.client.Exists(rc.ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetNX stores the value only if the key is absent; reports whether the
// write happened.
func (rc *RedisCache) SetNX(key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}
	return rc.client.SetNX(rc.ctx, key, data, ttl).Result()
}

// Delete removes a key.
func (rc *RedisCache) Delete(key string) error {
	return rc.client.Del(rc.ctx, key).Err()
}

// Close releases the underlying client.
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
