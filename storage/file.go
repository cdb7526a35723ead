package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend keeps every key in one JSON object on disk so that state
// survives the process. Each Write replaces the file atomically through a
// temporary file and rename; a failed write leaves both the file and the
// in-memory view unchanged. Processes sharing a file see each other's writes
// only when they reopen it; the last writer wins.
type FileBackend struct {
	path  string
	data  map[string]string
	size  int
	quota int
	mu    sync.RWMutex
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithFileQuota limits the total size of keys and values in bytes. Zero disables the limit.
func WithFileQuota(bytes int) FileOption {
	return func(f *FileBackend) {
		f.quota = bytes
	}
}

// OpenFileBackend loads the store at path. A missing file is an empty store;
// it is created on the first write.
func OpenFileBackend(path string, opts ...FileOption) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("file backend needs a path")
	}
	f := &FileBackend{path: path, data: make(map[string]string)}
	for _, opt := range opts {
		opt(f)
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store %s: %w", path, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &f.data); err != nil {
			return nil, fmt.Errorf("failed to decode store %s: %w", path, err)
		}
	}
	for k, v := range f.data {
		f.size += len(k) + len(v)
	}
	return f, nil
}

// Path returns the file the backend persists to.
func (f *FileBackend) Path() string {
	return f.path
}

// Get retrieves a value.
func (f *FileBackend) Get(ctx context.Context, key string) (string, error) {
	return withContext(ctx, func() (string, error) {
		if key == "" {
			return "", ErrEmptyKey
		}
		f.mu.RLock()
		defer f.mu.RUnlock()
		v, ok := f.data[key]
		if !ok {
			return "", fmt.Errorf("%w: key=%s", ErrKeyNotFound, key)
		}
		return v, nil
	})
}

// GetMany returns the values of keys read under one lock.
func (f *FileBackend) GetMany(ctx context.Context, keys ...string) ([]string, error) {
	return withContext(ctx, func() ([]string, error) {
		f.mu.RLock()
		defer f.mu.RUnlock()
		return getMany(f.data, keys)
	})
}

// Set stores a value.
func (f *FileBackend) Set(ctx context.Context, key, value string) error {
	return f.Write(ctx, Batch{Sets: map[string]string{key: value}})
}

// Delete removes keys.
func (f *FileBackend) Delete(ctx context.Context, keys ...string) error {
	return f.Write(ctx, Batch{Deletes: keys})
}

// Write applies the batch to a copy of the store, persists the copy, and
// only then makes it visible.
func (f *FileBackend) Write(ctx context.Context, batch Batch) error {
	return withContextError(ctx, func() error {
		for key := range batch.Sets {
			if key == "" {
				return ErrEmptyKey
			}
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		next := make(map[string]string, len(f.data)+len(batch.Sets))
		for k, v := range f.data {
			next[k] = v
		}
		size, err := applyBatch(next, f.size, f.quota, batch)
		if err != nil {
			return err
		}
		if err := f.persist(next); err != nil {
			return err
		}
		f.data = next
		f.size = size
		return nil
	})
}

func (f *FileBackend) persist(data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write store %s: %w", f.path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write store %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write store %s: %w", f.path, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace store %s: %w", f.path, err)
	}
	return nil
}

// Size returns the number of bytes currently held.
func (f *FileBackend) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}
