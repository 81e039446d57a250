package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

const eventKeyPrefix = "evt:"

// BadgerLog is a disk-backed Log using BadgerDB. Keys are zero-padded
// offsets so lexicographic iteration equals append order.
type BadgerLog struct {
	db   *badger.DB
	mu   sync.Mutex
	next uint64
}

// NewBadgerLog opens (or creates) the log at the given path and recovers the
// next append offset from the highest stored key.
func NewBadgerLog(path string) (*BadgerLog, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger log: %w", err)
	}
	l := &BadgerLog{db: db}
	if err := l.recoverNext(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func formatEventKey(offset uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventKeyPrefix, offset))
}

func parseEventKey(key []byte) (uint64, error) {
	s := strings.TrimPrefix(string(key), eventKeyPrefix)
	offset, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed event key %q: %w", key, err)
	}
	return offset, nil
}

// recoverNext seeks the highest event key in reverse order. ';' is the byte
// after ':' so "evt;" sorts after every event key.
func (l *BadgerLog) recoverNext() error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		r := txn.NewIterator(opts)
		defer r.Close()
		for r.Seek([]byte("evt;")); r.ValidForPrefix([]byte(eventKeyPrefix)); r.Next() {
			offset, err := parseEventKey(r.Item().Key())
			if err != nil {
				return err
			}
			l.next = offset + 1
			return nil
		}
		l.next = 0
		return nil
	})
}

// Append stores the event at the next offset.
func (l *BadgerLog) Append(_ context.Context, ev Event) (uint64, error) {
	val, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	offset := l.next
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(formatEventKey(offset), val)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append event at offset %d: %w", offset, err)
	}
	l.next = offset + 1
	return offset, nil
}

// Replay streams stored events in offset order starting at from.
func (l *BadgerLog) Replay(ctx context.Context, from uint64, fn func(offset uint64, ev Event) error) error {
	return l.db.View(func(txn *badger.Txn) error {
		r := txn.NewIterator(badger.DefaultIteratorOptions)
		defer r.Close()
		for r.Seek(formatEventKey(from)); r.ValidForPrefix([]byte(eventKeyPrefix)); r.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := r.Item()
			offset, err := parseEventKey(item.Key())
			if err != nil {
				return err
			}
			var ev Event
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &ev) }); err != nil {
				return fmt.Errorf("failed to decode event at offset %d: %w", offset, err)
			}
			if err := fn(offset, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close shuts the underlying BadgerDB down.
func (l *BadgerLog) Close() error {
	return l.db.Close()
}
