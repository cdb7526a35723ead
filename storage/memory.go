package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryBackend is an in-memory implementation of the Backend interface.
// An optional quota caps the total number of bytes held, mirroring the
// per-origin limit of browser local storage.
type MemoryBackend struct {
	data  map[string]string
	size  int
	quota int
	mu    sync.RWMutex
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithQuota limits the total size of keys and values in bytes. Zero disables the limit.
func WithQuota(bytes int) MemoryOption {
	return func(m *MemoryBackend) {
		m.quota = bytes
	}
}

// NewMemoryBackend creates a new MemoryBackend instance.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{data: make(map[string]string)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves a value from memory.
func (m *MemoryBackend) Get(ctx context.Context, key string) (string, error) {
	return withContext(ctx, func() (string, error) {
		if key == "" {
			return "", ErrEmptyKey
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		v, ok := m.data[key]
		if !ok {
			return "", fmt.Errorf("%w: key=%s", ErrKeyNotFound, key)
		}
		return v, nil
	})
}

// Set stores a value in memory.
func (m *MemoryBackend) Set(ctx context.Context, key, value string) error {
	return m.Write(ctx, Batch{Sets: map[string]string{key: value}})
}

// Delete removes keys from memory.
func (m *MemoryBackend) Delete(ctx context.Context, keys ...string) error {
	return m.Write(ctx, Batch{Deletes: keys})
}

// Write applies the batch under a single lock. The quota is checked against
// the size the store would have after the batch; on overflow nothing is written.
func (m *MemoryBackend) Write(ctx context.Context, batch Batch) error {
	return withContextError(ctx, func() error {
		for key := range batch.Sets {
			if key == "" {
				return ErrEmptyKey
			}
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		size, err := applyBatch(m.data, m.size, m.quota, batch)
		if err != nil {
			return err
		}
		m.size = size
		return nil
	})
}

// batchDeletes returns the keys the batch removes: each once, and none it also sets.
func batchDeletes(batch Batch) []string {
	out := make([]string, 0, len(batch.Deletes))
	seen := make(map[string]struct{}, len(batch.Deletes))
	for _, key := range batch.Deletes {
		if _, isSet := batch.Sets[key]; isSet {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// applyBatch writes batch into data and returns the new byte size. The quota
// is checked first; on overflow data is left untouched.
func applyBatch(data map[string]string, size, quota int, batch Batch) (int, error) {
	deletes := batchDeletes(batch)
	for _, key := range deletes {
		if old, ok := data[key]; ok {
			size -= len(key) + len(old)
		}
	}
	for key, value := range batch.Sets {
		if old, ok := data[key]; ok {
			size -= len(key) + len(old)
		}
		size += len(key) + len(value)
	}
	if quota > 0 && size > quota {
		return 0, fmt.Errorf("%w: need %d bytes, quota %d", ErrQuotaExceeded, size, quota)
	}

	for _, key := range deletes {
		delete(data, key)
	}
	for key, value := range batch.Sets {
		data[key] = value
	}
	return size, nil
}

// GetMany returns the values of keys read under one lock.
func (m *MemoryBackend) GetMany(ctx context.Context, keys ...string) ([]string, error) {
	return withContext(ctx, func() ([]string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return getMany(m.data, keys)
	})
}

func getMany(data map[string]string, keys []string) ([]string, error) {
	out := make([]string, len(keys))
	for i, key := range keys {
		if key == "" {
			return nil, ErrEmptyKey
		}
		v, ok := data[key]
		if !ok {
			return nil, fmt.Errorf("%w: key=%s", ErrKeyNotFound, key)
		}
		out[i] = v
	}
	return out, nil
}

// Keys returns the stored keys in sorted order.
func (m *MemoryBackend) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Size returns the number of bytes currently held.
func (m *MemoryBackend) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}
