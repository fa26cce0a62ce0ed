package kv_test

import (
	"context"
	"testing"
	"time"

	"abide-backend/internal/clock"
	"abide-backend/internal/kv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Both implementations must satisfy the same contract; the memory
// store additionally honors the fake clock for TTL expiry.

func openStores(t *testing.T, fc *clock.Fake) map[string]kv.Store {
	t.Helper()

	badgerStore, err := kv.OpenBadger(kv.BadgerConfig{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]kv.Store{
		"memory": kv.NewMemoryStore(fc),
		"badger": badgerStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	for name, store := range openStores(t, fc) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, kv.ErrNotFound)

			require.NoError(t, store.Set(ctx, "a", []byte("one"), 0))
			got, err := store.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), got)

			require.NoError(t, store.Delete(ctx, "a"))
			_, err = store.Get(ctx, "a")
			assert.ErrorIs(t, err, kv.ErrNotFound)

			// Deleting an absent key is not an error.
			assert.NoError(t, store.Delete(ctx, "a"))
		})
	}
}

func TestStoreListPrefix(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	for name, store := range openStores(t, fc) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "queue/1", []byte("x"), 0))
			require.NoError(t, store.Set(ctx, "queue/2", []byte("y"), 0))
			require.NoError(t, store.Set(ctx, "cache/1", []byte("z"), 0))

			keys, err := store.List(ctx, "queue/")
			require.NoError(t, err)
			assert.Equal(t, []string{"queue/1", "queue/2"}, keys)
		})
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	store := kv.NewMemoryStore(fc)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	fc.Advance(time.Minute)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	keys, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	store := kv.NewMemoryStore(fc)
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value, 0))
	value[0] = 'z'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}
