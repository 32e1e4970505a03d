// Package keyvalue provides durable string key-value storage backed by
// Redis, used for the daily fired-notification map and background poll
// watermarks.
package keyvalue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config is the required properties to use the key-value store.
type Config struct {
	Addr string
	DB   int
}

// Store wraps a Redis client behind the small get/set surface the rest of
// the system needs. Values persist with no expiry, daily keys are scoped by
// date so stale entries are simply never read again.
type Store struct {
	client *redis.Client
}

// Open connects to Redis and verifies the connection with a ping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("connecting to key-value store: %w", err)
	}
	return &Store{client: client}, nil
}

// Get returns the value stored at key, or an empty string with no error when
// the key is missing.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores value at key
func (s *Store) Set(ctx context.Context, key string, value string) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

// Close releases the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}
