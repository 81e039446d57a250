package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DedupStore records the first admission outcome per idempotency key.
// PutIfAbsent must be atomic: exactly one concurrent caller wins, every
// other caller observes the winner's value.
type DedupStore interface {
	// PutIfAbsent stores value under key with the given TTL if the key is
	// absent. It reports whether this call created the entry; when it did
	// not, existing holds the previously stored value.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (existing []byte, created bool, err error)
	// Delete removes an entry, compensating a failed admission so the client
	// can retry with the same key.
	Delete(ctx context.Context, key string) error
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// DedupKey hashes an idempotency key into the storage key, so arbitrary
// client-chosen keys stay bounded and opaque.
func DedupKey(idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return "dedup:" + hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryDedupStore is an in-process DedupStore for tests and single-node
// development runs.
type MemoryDedupStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryDedupStore creates an empty in-memory store.
func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// PutIfAbsent implements DedupStore. Expired entries count as absent.
func (m *MemoryDedupStore) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.entries[key]; ok && entry.expiresAt.After(now) {
		return entry.value, false, nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[key] = memoryEntry{value: stored, expiresAt: now.Add(ttl)}
	return nil, true, nil
}

// Delete implements DedupStore.
func (m *MemoryDedupStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Ping implements DedupStore.
func (m *MemoryDedupStore) Ping(context.Context) error { return nil }

// Close implements DedupStore.
func (m *MemoryDedupStore) Close() error { return nil }
