package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/songzhibin97/task-journey/events"
	"github.com/songzhibin97/task-journey/types"
)

// DefaultChunkSize is the largest serialized array written under a single key.
const DefaultChunkSize = 1 << 20

// Collection is a JSON array of records persisted under one fixed key.
// Arrays larger than the chunk size are split across <key>_chunk_N parts
// with the part count under <key>_chunks.
type Collection[T any] struct {
	backend   Backend
	key       string
	chunkSize int
	normalize func(*T) bool
	logger    *slog.Logger
	changes   *events.Subject[[]T]

	mu    sync.Mutex
	items []T
}

// CollectionOption configures a Collection.
type CollectionOption[T any] func(*Collection[T])

// WithChunkSize sets the chunk threshold in bytes. Zero or less disables chunking.
func WithChunkSize[T any](size int) CollectionOption[T] {
	return func(c *Collection[T]) {
		c.chunkSize = size
	}
}

// WithNormalizer installs a load-time migration. fn reports whether it
// changed the record; changed collections are written back once.
func WithNormalizer[T any](fn func(*T) bool) CollectionOption[T] {
	return func(c *Collection[T]) {
		c.normalize = fn
	}
}

// WithCollectionLogger sets the logger used to report storage failures.
func WithCollectionLogger[T any](logger *slog.Logger) CollectionOption[T] {
	return func(c *Collection[T]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCollection creates a collection stored under key.
func NewCollection[T any](backend Backend, key string, opts ...CollectionOption[T]) *Collection[T] {
	c := &Collection[T]{
		backend:   backend,
		key:       key,
		chunkSize: DefaultChunkSize,
		logger:    slog.Default(),
		changes:   events.NewSubject[[]T](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the storage key of the collection.
func (c *Collection[T]) Key() string {
	return c.key
}

// Subscribe registers a listener called with the new snapshot after every
// successful Save or Update. Listeners run after the collection lock is released.
func (c *Collection[T]) Subscribe(l events.Listener[[]T]) (unsubscribe func()) {
	return c.changes.Subscribe(l)
}

// Snapshot returns the records as of the last load or save without touching storage.
func (c *Collection[T]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

// Load reads the collection from storage.
func (c *Collection[T]) Load(ctx context.Context) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return append([]T(nil), items...), nil
}

// Save replaces the stored array with items.
func (c *Collection[T]) Save(ctx context.Context, items []T) error {
	c.mu.Lock()
	err := c.save(ctx, items)
	snap := append([]T(nil), c.items...)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.changes.Notify(ctx, snap)
	return nil
}

// Update loads the collection, applies fn to a private copy, and saves the
// result. If fn fails nothing is written; if the save fails the in-memory
// snapshot keeps its pre-mutation value.
func (c *Collection[T]) Update(ctx context.Context, fn func(items []T) ([]T, error)) ([]T, error) {
	next, err := c.update(ctx, fn)
	if err != nil {
		return nil, err
	}
	c.changes.Notify(ctx, append([]T(nil), next...))
	return append([]T(nil), next...), nil
}

func (c *Collection[T]) update(ctx context.Context, fn func(items []T) ([]T, error)) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	next, err := fn(append([]T(nil), current...))
	if err != nil {
		return nil, err
	}
	if err := c.save(ctx, next); err != nil {
		c.items = current
		return nil, err
	}
	return c.items, nil
}

func (c *Collection[T]) load(ctx context.Context) ([]T, error) {
	raw, err := c.readRaw(ctx)
	if err != nil {
		return nil, c.fail("load", err)
	}

	var items []T
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, c.fail("decode", err)
		}
	}

	if c.normalize != nil {
		changed := false
		for i := range items {
			if c.normalize(&items[i]) {
				changed = true
			}
		}
		if changed {
			c.logger.Info("normalized legacy records", slog.String("key", c.key))
			if err := c.save(ctx, items); err != nil {
				return nil, err
			}
		}
	}

	c.items = items
	return items, nil
}

func (c *Collection[T]) readRaw(ctx context.Context) (string, error) {
	count, err := c.chunkCount(ctx)
	if err != nil {
		return "", err
	}
	if count == 0 {
		raw, err := c.backend.Get(ctx, c.key)
		if errors.Is(err, ErrKeyNotFound) {
			return "", nil
		}
		return raw, err
	}

	keys := make([]string, count)
	for i := range keys {
		keys[i] = c.chunkKey(i)
	}
	if mg, ok := c.backend.(MultiGetter); ok {
		parts, err := mg.GetMany(ctx, keys...)
		if err != nil {
			return "", fmt.Errorf("%d chunks: %w", count, err)
		}
		return strings.Join(parts, ""), nil
	}

	var buf []byte
	for i, key := range keys {
		part, err := c.backend.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("chunk %d of %d: %w", i, count, err)
		}
		buf = append(buf, part...)
	}
	return string(buf), nil
}

func (c *Collection[T]) chunkCount(ctx context.Context) (int, error) {
	raw, err := c.backend.Get(ctx, c.countKey())
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed chunk count %q", raw)
	}
	return n, nil
}

func (c *Collection[T]) save(ctx context.Context, items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return c.fail("encode", err)
	}

	prev, err := c.chunkCount(ctx)
	if err != nil {
		return c.fail("save", err)
	}

	batch := Batch{Sets: make(map[string]string)}
	if c.chunkSize <= 0 || len(data) <= c.chunkSize {
		batch.Sets[c.key] = string(data)
		batch.Deletes = append(batch.Deletes, c.countKey())
		for i := 0; i < prev; i++ {
			batch.Deletes = append(batch.Deletes, c.chunkKey(i))
		}
	} else {
		n := 0
		for off := 0; off < len(data); off += c.chunkSize {
			end := off + c.chunkSize
			if end > len(data) {
				end = len(data)
			}
			batch.Sets[c.chunkKey(n)] = string(data[off:end])
			n++
		}
		batch.Sets[c.countKey()] = strconv.Itoa(n)
		batch.Deletes = append(batch.Deletes, c.key)
		for i := n; i < prev; i++ {
			batch.Deletes = append(batch.Deletes, c.chunkKey(i))
		}
	}

	if err := c.backend.Write(ctx, batch); err != nil {
		return c.fail("save", err)
	}

	c.items = items
	return nil
}

func (c *Collection[T]) fail(op string, err error) error {
	c.logger.Error("collection storage failure",
		slog.String("key", c.key),
		slog.String("op", op),
		slog.Any("error", err))
	return fmt.Errorf("%w: %s %s: %w", types.ErrStorage, op, c.key, err)
}

func (c *Collection[T]) countKey() string {
	return c.key + "_chunks"
}

func (c *Collection[T]) chunkKey(i int) string {
	return c.key + "_chunk_" + strconv.Itoa(i)
}
