package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/pkg/metrics"
)

// Publisher fans committed events out to the event bus. Publish failures are
// never fatal: the log is the source of truth and the bus is best-effort.
type Publisher interface {
	Publish(ctx context.Context, key string, message interface{}) error
}

// Ledger stamps events with per-entity sequence numbers and appends them to
// the log before publishing them to the bus. An event is only visible on the
// bus if it was durably appended first.
type Ledger struct {
	log     Log
	bus     Publisher
	logger  *zap.Logger
	retries int
	backoff time.Duration

	mu   sync.Mutex
	seqs map[string]uint64
}

// NewLedger builds the emitter and recovers per-entity sequence counters by
// replaying the log, so sequences stay contiguous across restarts. bus may be
// nil for single-node runs.
func NewLedger(ctx context.Context, log Log, bus Publisher, cfg config.LedgerConfig, logger *zap.Logger) (*Ledger, error) {
	l := &Ledger{
		log:     log,
		bus:     bus,
		logger:  logger,
		retries: cfg.AppendRetries,
		backoff: cfg.RetryBackoff,
		seqs:    make(map[string]uint64),
	}
	if l.retries < 1 {
		l.retries = 1
	}
	if l.backoff <= 0 {
		l.backoff = 50 * time.Millisecond
	}

	err := log.Replay(ctx, 0, func(_ uint64, ev Event) error {
		if ev.Sequence > l.seqs[ev.EntityID] {
			l.seqs[ev.EntityID] = ev.Sequence
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recover ledger sequences: %w", err)
	}
	return l, nil
}

// Emit assigns the next sequence for the event's entity, appends the event to
// the log with bounded retries and publishes it to the bus. On append failure
// the sequence is not consumed and the error is returned to the caller.
func (l *Ledger) Emit(ctx context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.Sequence = l.seqs[ev.EntityID] + 1
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}

	var appendErr error
	backoff := l.backoff
	for attempt := 1; attempt <= l.retries; attempt++ {
		_, appendErr = l.log.Append(ctx, ev)
		if appendErr == nil {
			break
		}
		if attempt < l.retries {
			l.logger.Warn("ledger append failed, retrying",
				zap.String("event_type", string(ev.Type)),
				zap.String("entity_id", ev.EntityID),
				zap.Int("attempt", attempt),
				zap.Error(appendErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				appendErr = ctx.Err()
				attempt = l.retries
			}
			backoff *= 2
		}
	}
	if appendErr != nil {
		metrics.LedgerAppendFailures.Inc()
		return fmt.Errorf("failed to append %s event for %s: %w", ev.Type, ev.EntityID, appendErr)
	}

	l.seqs[ev.EntityID] = ev.Sequence
	metrics.LedgerEvents.WithLabelValues(string(ev.Type)).Inc()

	if l.bus != nil {
		if err := l.bus.Publish(ctx, ev.EntityID, ev); err != nil {
			// Best effort: the event is durable in the log and consumers can
			// catch up via replay.
			l.logger.Warn("failed to publish ledger event to bus",
				zap.String("event_type", string(ev.Type)),
				zap.String("entity_id", ev.EntityID),
				zap.Uint64("sequence", ev.Sequence),
				zap.Error(err))
		}
	}
	return nil
}

// Emitter is the narrow interface pipeline stages use to record events.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}
