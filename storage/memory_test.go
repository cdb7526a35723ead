package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	t.Run("NewMemoryBackend", func(t *testing.T) {
		store := NewMemoryBackend()
		assert.NotNil(t, store)
		assert.NotNil(t, store.data)
		assert.Empty(t, store.Keys())
		assert.Zero(t, store.Size())
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		store := NewMemoryBackend()
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, KeyCategories, `[{"id":"1"}]`))
		got, err := store.Get(ctx, KeyCategories)
		assert.NoError(t, err)
		assert.Equal(t, `[{"id":"1"}]`, got)

		_, err = store.Get(ctx, KeyUsers)
		assert.ErrorIs(t, err, ErrKeyNotFound)

		require.NoError(t, store.Delete(ctx, KeyCategories, "never-set"))
		_, err = store.Get(ctx, KeyCategories)
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.Zero(t, store.Size())
	})

	t.Run("EmptyKey", func(t *testing.T) {
		store := NewMemoryBackend()
		ctx := context.Background()
		assert.ErrorIs(t, store.Set(ctx, "", "v"), ErrEmptyKey)
		_, err := store.Get(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyKey)
	})

	t.Run("BatchIsAtomic", func(t *testing.T) {
		store := NewMemoryBackend()
		ctx := context.Background()
		require.NoError(t, store.Set(ctx, "a", "1"))

		err := store.Write(ctx, Batch{
			Sets:    map[string]string{"b": "2", "c": "3"},
			Deletes: []string{"a"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, store.Keys())
		assert.Equal(t, len("b2c3"), store.Size())
	})

	t.Run("Quota", func(t *testing.T) {
		store := NewMemoryBackend(WithQuota(10))
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "k", "12345"))
		err := store.Set(ctx, "big", "123456789")
		assert.ErrorIs(t, err, ErrQuotaExceeded)
		_, err = store.Get(ctx, "big")
		assert.ErrorIs(t, err, ErrKeyNotFound, "a rejected batch writes nothing")

		// replacing a value frees its old size first
		assert.NoError(t, store.Set(ctx, "k", "123456789"))
		assert.Equal(t, 10, store.Size())

		// a delete in the same batch makes room
		assert.NoError(t, store.Write(ctx, Batch{Sets: map[string]string{"j": "12"}, Deletes: []string{"k"}}))
	})

	t.Run("RepeatedDeleteCountsOnce", func(t *testing.T) {
		store := NewMemoryBackend()
		ctx := context.Background()
		require.NoError(t, store.Set(ctx, "k", "12345"))
		require.NoError(t, store.Set(ctx, "other", "1"))

		require.NoError(t, store.Delete(ctx, "k", "k"))
		assert.Equal(t, len("other1"), store.Size())

		require.NoError(t, store.Write(ctx, Batch{Sets: map[string]string{"x": "1"}, Deletes: []string{"other", "x", "other"}}))
		assert.Equal(t, []string{"x"}, store.Keys())
		assert.Equal(t, len("x1"), store.Size())
	})

	t.Run("GetMany", func(t *testing.T) {
		store := NewMemoryBackend()
		ctx := context.Background()
		require.NoError(t, store.Write(ctx, Batch{Sets: map[string]string{"a": "1", "b": "2"}}))

		got, err := store.GetMany(ctx, "b", "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"2", "1"}, got)

		_, err = store.GetMany(ctx, "a", "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryBackend()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.Set(ctx, "k", "v")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.Get(ctx, "k")
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.Delete(ctx, "k"), context.Canceled)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := NewMemoryBackend()
		ctx := context.Background()
		var wg sync.WaitGroup

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("key_%d", i)
				assert.NoError(t, store.Set(ctx, key, "value"))
				_, err := store.Get(ctx, key)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		assert.Len(t, store.Keys(), 100)
	})
}
