package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBackend is a Redis-backed implementation of the Backend interface.
// Several processes pointed at the same Redis share one set of collections;
// as with browser tabs, the last writer wins.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix namespaces every key written by the backend.
	KeyPrefix string
}

// NewRedisBackend creates a new RedisBackend instance with configurable options.
func NewRedisBackend(opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisBackend{client: client, prefix: opts.KeyPrefix}, nil
}

func (s *RedisBackend) key(k string) string {
	return s.prefix + k
}

// Get retrieves a value from Redis.
func (s *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	return withContext(ctx, func() (string, error) {
		if key == "" {
			return "", ErrEmptyKey
		}
		v, err := s.client.Get(ctx, s.key(key)).Result()
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: key=%s", ErrKeyNotFound, key)
		} else if err != nil {
			return "", fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}
		return v, nil
	})
}

// GetMany reads keys with a single MGET.
func (s *RedisBackend) GetMany(ctx context.Context, keys ...string) ([]string, error) {
	return withContext(ctx, func() ([]string, error) {
		if len(keys) == 0 {
			return nil, nil
		}
		full := make([]string, len(keys))
		for i, k := range keys {
			if k == "" {
				return nil, ErrEmptyKey
			}
			full[i] = s.key(k)
		}
		vals, err := s.client.MGet(ctx, full...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from Redis: %v", err)
		}
		out := make([]string, len(vals))
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: key=%s", ErrKeyNotFound, keys[i])
			}
			out[i] = str
		}
		return out, nil
	})
}

// Set stores a value in Redis.
func (s *RedisBackend) Set(ctx context.Context, key, value string) error {
	return withContextError(ctx, func() error {
		if key == "" {
			return ErrEmptyKey
		}
		if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// Delete removes keys from Redis.
func (s *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	return withContextError(ctx, func() error {
		if len(keys) == 0 {
			return nil
		}
		full := make([]string, len(keys))
		for i, k := range keys {
			full[i] = s.key(k)
		}
		if err := s.client.Del(ctx, full...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys from Redis: %v", err)
		}
		return nil
	})
}

// Write applies the batch inside a MULTI/EXEC transaction.
func (s *RedisBackend) Write(ctx context.Context, batch Batch) error {
	return withContextError(ctx, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range batch.Deletes {
				if _, isSet := batch.Sets[k]; isSet {
					continue
				}
				pipe.Del(ctx, s.key(k))
			}
			for k, v := range batch.Sets {
				if k == "" {
					return ErrEmptyKey
				}
				pipe.Set(ctx, s.key(k), v, 0)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to execute pipeline: %w", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisBackend) Close() error {
	return s.client.Close()
}
