package storage

import (
	"context"
	"errors"
)

// Errors
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrEmptyKey      = errors.New("key cannot be empty")
)

// Backend is a string key-value store in the shape of browser local storage.
type Backend interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key.
	Set(ctx context.Context, key, value string) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Write applies a batch of sets and deletes as one unit.
	Write(ctx context.Context, batch Batch) error
}

// MultiGetter is implemented by backends that can read several keys as of
// one moment. Collections use it to read all chunks of an array together.
type MultiGetter interface {
	// GetMany returns the values of keys in order; any missing key fails with ErrKeyNotFound.
	GetMany(ctx context.Context, keys ...string) ([]string, error)
}

// Batch groups the writes of one collection save.
type Batch struct {
	Sets    map[string]string
	Deletes []string
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
