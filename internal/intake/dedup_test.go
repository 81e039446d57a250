package intake

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupKeyIsStableAndOpaque(t *testing.T) {
	k1 := DedupKey("order-123")
	k2 := DedupKey("order-123")
	k3 := DedupKey("order-124")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.True(t, len(k1) > len("dedup:"), "key carries a digest, not the raw client value")
	assert.NotContains(t, k1, "order-123")
}

func TestMemoryDedupPutIfAbsent(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	existing, created, err := store.PutIfAbsent(ctx, "k1", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)

	existing, created, err = store.PutIfAbsent(ctx, "k1", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []byte("first"), existing)
}

func TestMemoryDedupExpiry(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	_, created, err := store.PutIfAbsent(ctx, "k1", []byte("first"), time.Minute)
	require.NoError(t, err)
	require.True(t, created)

	// Within the TTL the entry still wins.
	store.now = func() time.Time { return now.Add(59 * time.Second) }
	existing, created, err := store.PutIfAbsent(ctx, "k1", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []byte("first"), existing)

	// Past the TTL the key is free again.
	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, created, err = store.PutIfAbsent(ctx, "k1", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMemoryDedupDelete(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	_, created, err := store.PutIfAbsent(ctx, "k1", []byte("first"), time.Minute)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, store.Delete(ctx, "k1"))

	_, created, err = store.PutIfAbsent(ctx, "k1", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.True(t, created, "deleted key is writable again")

	// Deleting a missing key is a no-op.
	require.NoError(t, store.Delete(ctx, "missing"))
}

func TestMemoryDedupStoredValueIsIsolated(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	value := []byte("original")
	_, created, err := store.PutIfAbsent(ctx, "k1", value, time.Minute)
	require.NoError(t, err)
	require.True(t, created)

	value[0] = 'X' // caller mutates its buffer after the put

	existing, _, err := store.PutIfAbsent(ctx, "k1", []byte("other"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), existing)
}

func TestMemoryDedupConcurrentSameKey(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	const workers = 50
	createdFlags := make([]bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := store.PutIfAbsent(ctx, "contested", []byte(fmt.Sprintf("writer-%d", i)), time.Minute)
			if err == nil {
				createdFlags[i] = created
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, created := range createdFlags {
		if created {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
