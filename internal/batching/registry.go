package batching

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/pkg/metrics"
)

// ChunkHandler consumes one formed chunk. The registry invokes it
// synchronously from the owning queue's goroutine, so a queue never forms
// its next chunk while the previous one is still being processed. The
// handler may call Defer on the registry for members it wants retried in a
// later cycle.
type ChunkHandler func(ctx context.Context, chunk *model.Chunk) error

// Registry owns one pipeline queue per (window, currency pair). Each queue
// buffers arrivals and cuts a chunk when it holds a full batch worth of
// transactions, when the batching timeout expires for the oldest member, or
// on shutdown drain. Queues are independent: they share no mutable state and
// process in parallel, while everything inside one queue stays serialized on
// its goroutine.
type Registry struct {
	cfg     config.BatchingConfig
	logger  *zap.Logger
	handler ChunkHandler

	mu      sync.Mutex
	queues  map[model.GroupKey]*queue
	stopped bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending atomic.Int64
}

func NewRegistry(cfg config.BatchingConfig, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logger,
		queues: make(map[model.GroupKey]*queue),
	}
}

// Start makes the registry live. Queues are created lazily on first routing;
// handler is what each queue hands its chunks to.
func (r *Registry) Start(ctx context.Context, handler ChunkHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
	r.ctx, r.cancel = context.WithCancel(ctx)
}

// Route sends an accepted transaction to its (window, pair) queue, creating
// the queue on first use. Safe for concurrent callers.
func (r *Registry) Route(intent *model.TransactionIntent) {
	q := r.queueFor(intent.Key())
	if q == nil {
		r.logger.Warn("dropping transaction: registry not accepting work",
			zap.String("transaction_id", intent.ID))
		return
	}
	r.pending.Add(1)
	metrics.QueueDepth.Set(float64(r.pending.Load()))
	q.in <- intent
}

// Defer schedules transactions for the queue's next chunk cycle. Deferred
// members are buffered in arrival order and drain ahead of fresh arrivals,
// so a retried transaction can never starve. Safe to call from inside the
// chunk handler.
func (r *Registry) Defer(key model.GroupKey, intents []*model.TransactionIntent) {
	if len(intents) == 0 {
		return
	}
	q := r.queueFor(key)
	if q == nil {
		r.logger.Warn("dropping deferral after shutdown", zap.String("queue", key.String()))
		return
	}
	q.deferMembers(intents)
	r.pending.Add(int64(len(intents)))
	metrics.QueueDepth.Set(float64(r.pending.Load()))
	metrics.DeferredTransactions.Add(float64(len(intents)))
}

// Pending reports transactions admitted but not yet through batch
// processing. The intake gate uses it for admission control.
func (r *Registry) Pending() int {
	return int(r.pending.Load())
}

// Stop drains every queue: buffered and deferred members are flushed through
// the handler as final chunks, then the queue goroutines exit. Returns the
// context error if draining outlives ctx.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped || r.cancel == nil {
		r.stopped = true
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	for _, q := range r.queues {
		close(q.in)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
	r.cancel()
	return nil
}

func (r *Registry) queueFor(key model.GroupKey) *queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.handler == nil {
		return nil
	}
	q, ok := r.queues[key]
	if !ok {
		q = &queue{
			key:      key,
			reg:      r,
			in:       make(chan *model.TransactionIntent, 4*r.cfg.MaxBatchSize),
			kick:     make(chan struct{}, 1),
			deferred: btree.NewMap[uint64, *model.TransactionIntent](32),
			logger:   r.logger.With(zap.String("queue", key.String())),
		}
		r.queues[key] = q
		r.wg.Add(1)
		go q.run(r.ctx)
	}
	return q
}

// queue is the single-owner pipeline for one (window, pair). Only its own
// goroutine touches the arrival buffer; the deferral buffer takes a lock
// because Defer may be called while the handler runs.
type queue struct {
	key    model.GroupKey
	reg    *Registry
	in     chan *model.TransactionIntent
	kick   chan struct{}
	logger *zap.Logger

	mu       sync.Mutex
	deferred *btree.Map[uint64, *model.TransactionIntent]
}

func (q *queue) deferMembers(intents []*model.TransactionIntent) {
	q.mu.Lock()
	for _, t := range intents {
		q.deferred.Set(t.ArrivalSeq, t)
	}
	q.mu.Unlock()
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// takeDeferred empties the deferral buffer in arrival order.
func (q *queue) takeDeferred() []*model.TransactionIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deferred.Len() == 0 {
		return nil
	}
	out := make([]*model.TransactionIntent, 0, q.deferred.Len())
	q.deferred.Scan(func(_ uint64, t *model.TransactionIntent) bool {
		out = append(out, t)
		return true
	})
	q.deferred = btree.NewMap[uint64, *model.TransactionIntent](32)
	metrics.DeferredTransactions.Sub(float64(len(out)))
	return out
}

func (q *queue) deferredLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deferred.Len()
}

func (q *queue) run(ctx context.Context) {
	defer q.reg.wg.Done()

	timer := time.NewTimer(q.reg.cfg.ChunkTimeout)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	var buf []*model.TransactionIntent

	// flush cuts a chunk from everything on hand, deferred members first
	// so retries stay ahead of fresh arrivals, and runs the handler to
	// completion before the queue accepts more work.
	flush := func(trigger model.ChunkTrigger) {
		if armed {
			timer.Stop()
			armed = false
		}
		members := append(q.takeDeferred(), buf...)
		buf = nil
		if len(members) == 0 {
			return
		}
		chunk := &model.Chunk{
			ID:       uuid.New(),
			Key:      q.key,
			Members:  members,
			FormedAt: time.Now().UTC(),
			Trigger:  trigger,
		}
		metrics.ChunksFormed.WithLabelValues(string(trigger)).Inc()
		start := time.Now()
		if err := q.reg.handler(ctx, chunk); err != nil {
			q.logger.Error("chunk processing failed",
				zap.String("chunk_id", chunk.ID.String()),
				zap.Int("members", len(members)),
				zap.Error(err))
		}
		q.reg.pending.Add(-int64(len(members)))
		metrics.QueueDepth.Set(float64(q.reg.pending.Load()))
		q.logger.Debug("chunk processed",
			zap.String("chunk_id", chunk.ID.String()),
			zap.String("trigger", string(trigger)),
			zap.Int("members", len(members)),
			zap.Duration("took", time.Since(start)))
	}

	for {
		select {
		case t, ok := <-q.in:
			if !ok {
				flush(model.TriggerDrain)
				return
			}
			buf = append(buf, t)
			if len(buf) >= q.reg.cfg.MaxBatchSize {
				flush(model.TriggerSize)
				continue
			}
			if !armed {
				// Timeout counts from the oldest member on hand.
				timer.Reset(q.reg.cfg.ChunkTimeout)
				armed = true
			}
		case <-timer.C:
			armed = false
			flush(model.TriggerTimeout)
		case <-q.kick:
			// Deferred-only work: make sure a timeout cycle is coming
			// even if no fresh transaction ever arrives.
			if !armed && q.deferredLen() > 0 {
				timer.Reset(q.reg.cfg.ChunkTimeout)
				armed = true
			}
		case <-ctx.Done():
			flush(model.TriggerDrain)
			return
		}
	}
}
