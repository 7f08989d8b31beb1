package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns a fresh storage of every kind
func backends(t *testing.T) map[string]Storage {
	t.Helper()

	badger, err := NewBadger(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = badger.Close() })

	disk := NewDisk(t.TempDir(), 0)
	require.NoError(t, disk.Init())

	return map[string]Storage{
		"disk":   disk,
		"badger": badger,
		"memory": NewMemory(0),
	}
}

func TestStorageConformance(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("open creates store", func(t *testing.T) {
				ok, err := storage.Has(ctx, "app-cache-v1")
				require.NoError(t, err)
				assert.False(t, ok)

				_, err = storage.Open(ctx, "app-cache-v1")
				require.NoError(t, err)

				ok, err = storage.Has(ctx, "app-cache-v1")
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("set get keys", func(t *testing.T) {
				store, err := storage.Open(ctx, "app-cache-v1")
				require.NoError(t, err)

				data, err := store.Get(ctx, "GET http://app.test/")
				require.NoError(t, err)
				assert.Nil(t, data, "missing key must return nil, nil")

				require.NoError(t, store.Set(ctx, "GET http://app.test/", []byte("home")))
				require.NoError(t, store.Set(ctx, "GET http://app.test/auth", []byte("auth")))
				require.NoError(t, store.Set(ctx, "GET http://app.test/", []byte("home v2")))

				data, err = store.Get(ctx, "GET http://app.test/")
				require.NoError(t, err)
				assert.Equal(t, "home v2", string(data))

				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"GET http://app.test/", "GET http://app.test/auth"}, keys)
			})

			t.Run("reopen sees same entries", func(t *testing.T) {
				store, err := storage.Open(ctx, "app-cache-v1")
				require.NoError(t, err)

				data, err := store.Get(ctx, "GET http://app.test/auth")
				require.NoError(t, err)
				assert.Equal(t, "auth", string(data))
			})

			t.Run("delete key", func(t *testing.T) {
				store, err := storage.Open(ctx, "app-cache-v1")
				require.NoError(t, err)

				deleted, err := store.Delete(ctx, "GET http://app.test/auth")
				require.NoError(t, err)
				assert.True(t, deleted)

				deleted, err = store.Delete(ctx, "GET http://app.test/auth")
				require.NoError(t, err)
				assert.False(t, deleted)
			})

			t.Run("stores are isolated", func(t *testing.T) {
				other, err := storage.Open(ctx, "app-cache-v2")
				require.NoError(t, err)

				data, err := other.Get(ctx, "GET http://app.test/")
				require.NoError(t, err)
				assert.Nil(t, data)

				names, err := storage.Names(ctx)
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"app-cache-v1", "app-cache-v2"}, names)
			})

			t.Run("delete store", func(t *testing.T) {
				store, err := storage.Open(ctx, "app-cache-v1")
				require.NoError(t, err)

				deleted, err := storage.Delete(ctx, "app-cache-v1")
				require.NoError(t, err)
				assert.True(t, deleted)

				deleted, err = storage.Delete(ctx, "app-cache-v1")
				require.NoError(t, err)
				assert.False(t, deleted)

				names, err := storage.Names(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"app-cache-v2"}, names)

				// A stale handle must not resurrect the deleted store
				err = store.Set(ctx, "GET http://app.test/", []byte("late write"))
				assert.ErrorIs(t, err, ErrStoreDeleted)

				ok, err := storage.Has(ctx, "app-cache-v1")
				require.NoError(t, err)
				assert.False(t, ok)

				// Reopening starts empty
				store, err = storage.Open(ctx, "app-cache-v1")
				require.NoError(t, err)
				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				assert.Empty(t, keys)
			})

			t.Run("concurrent puts", func(t *testing.T) {
				store, err := storage.Open(ctx, "concurrent")
				require.NoError(t, err)

				var wg sync.WaitGroup
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						assert.NoError(t, store.Set(ctx, fmt.Sprintf("GET http://app.test/%d", i%4), []byte(fmt.Sprintf("v%d", i))))
					}(i)
				}
				wg.Wait()

				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				assert.Len(t, keys, 4)
			})

			t.Run("cancelled context", func(t *testing.T) {
				cancelled, cancel := context.WithCancel(ctx)
				cancel()
				_, err := storage.Open(cancelled, "app-cache-v3")
				assert.ErrorIs(t, err, context.Canceled)
			})
		})
	}
}

func TestNewSelectsBackend(t *testing.T) {
	storage, err := New(Options{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, storage)

	storage, err = New(Options{Backend: "disk", Folder: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &DiskCache{}, storage)

	storage, err = New(Options{Backend: "badger", Folder: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &BadgerCache{}, storage)
	require.NoError(t, storage.Close())

	_, err = New(Options{Backend: "redis"})
	assert.Error(t, err)
}
