// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package cache provides the durable tier behind the response state store.
// Conversation state lives in Redis so chained Responses requests survive
// process restarts and can be resolved by any proxy instance.
package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long persisted response state is kept.
const DefaultTTL = 24 * time.Hour

// KeyPrefix namespaces response-state keys in Redis.
const KeyPrefix = "modelmux:response:"

// Key returns the Redis key for a response id.
func Key(id string) string {
	return KeyPrefix + id
}

// Cache is the interface for durable state storage.
type Cache interface {
	// Get retrieves a stored value by key; the bool reports whether the key
	// was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Close closes the underlying connection.
	Close() error
}

// RedisConfig holds the configuration for connecting to Redis.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379").
	Addr string
	// Password is the Redis password (optional).
	Password string
	// TLS enables TLS for the Redis connection.
	TLS bool
	// DB is the Redis database number (default 0).
	DB int
}

// RedisCache implements Cache using Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache client and verifies connectivity.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return newRedisCacheWithClient(client), nil
}

func newRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get retrieves a stored value by key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores a value with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NoOpCache is a cache implementation that does nothing. Used when no durable
// tier is configured; state then lives only in the in-memory LRU.
type NoOpCache struct{}

// Get always returns a miss.
func (NoOpCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

// Set does nothing.
func (NoOpCache) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// Close does nothing.
func (NoOpCache) Close() error {
	return nil
}
