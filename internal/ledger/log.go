package ledger

import (
	"context"
	"sync"
)

// Log is an append-only store of ledger events. Append returns the global
// offset assigned to the event; Replay streams events in offset order
// starting at from.
type Log interface {
	Append(ctx context.Context, ev Event) (uint64, error)
	Replay(ctx context.Context, from uint64, fn func(offset uint64, ev Event) error) error
	Close() error
}

// MemoryLog is an in-process Log for tests and single-node development runs.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append stores the event and returns its offset.
func (m *MemoryLog) Append(_ context.Context, ev Event) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return uint64(len(m.events) - 1), nil
}

// Replay streams events from the given offset in append order.
func (m *MemoryLog) Replay(ctx context.Context, from uint64, fn func(offset uint64, ev Event) error) error {
	m.mu.RLock()
	snapshot := make([]Event, 0)
	if from < uint64(len(m.events)) {
		snapshot = append(snapshot, m.events[from:]...)
	}
	m.mu.RUnlock()

	for i, ev := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(from+uint64(i), ev); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op for the in-memory log.
func (m *MemoryLog) Close() error { return nil }

// Events returns a copy of everything appended so far, for assertions.
func (m *MemoryLog) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
