// Package settlement drives batches from chunk to committed settlement: batch
// assignment via the cost solver, multilateral netting, the agreement
// boundary and the system of record.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/batching"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/ledger"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/netting"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/pkg/metrics"
)

const (
	proposeAttempts = 3
	proposeBackoff  = 100 * time.Millisecond
)

// Deferrer re-injects transactions into their batching queue for a later
// chunk cycle. Implemented by the batching registry.
type Deferrer interface {
	Defer(key model.GroupKey, intents []*model.TransactionIntent)
}

// Service is the chunk handler: it assigns batches, nets them, proposes them
// to the agreement service and persists the outcome. One Service instance
// serves all batching queues; it holds no per-chunk state, so concurrent
// chunks from different queues are safe.
type Service struct {
	cfg       config.BatchingConfig
	fees      *config.FeeTable
	store     *Store
	planner   *batching.Planner
	deferrer  Deferrer
	agreement AgreementClient
	emitter   ledger.Emitter
	logger    *zap.Logger
}

func NewService(cfg config.BatchingConfig, fees *config.FeeTable, store *Store, planner *batching.Planner, deferrer Deferrer, agreement AgreementClient, emitter ledger.Emitter, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		fees:      fees,
		store:     store,
		planner:   planner,
		deferrer:  deferrer,
		agreement: agreement,
		emitter:   emitter,
		logger:    logger,
	}
}

// HandleChunk runs one chunk through the settlement pipeline. Batches are
// settled independently: a failure in one batch never blocks the others, and
// all failures are reported together.
func (s *Service) HandleChunk(ctx context.Context, chunk *model.Chunk) error {
	batches := s.assign(ctx, chunk)

	var failures []error
	for _, batch := range batches {
		if err := s.settleBatch(ctx, batch); err != nil {
			s.logger.Error("failed to settle batch",
				zap.String("batch_id", batch.ID),
				zap.String("chunk_id", batch.ChunkID),
				zap.Error(err))
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// assign runs the cost solver under its time budget and falls back to the
// deterministic greedy packing when the budget is exhausted. The fallback
// path never fails, so every chunk always yields batches.
func (s *Service) assign(ctx context.Context, chunk *model.Chunk) []*model.Batch {
	solveCtx, cancel := context.WithTimeout(ctx, s.cfg.SolverBudget)
	defer cancel()

	batches, err := s.planner.Solve(solveCtx, chunk)
	if err == nil {
		return batches
	}
	if errors.Is(err, batching.ErrSolverTimeout) {
		s.logger.Warn("cost solver exceeded its budget, using greedy fallback",
			zap.String("chunk_id", chunk.ID.String()),
			zap.Int("members", len(chunk.Members)),
			zap.Duration("budget", s.cfg.SolverBudget))
	} else {
		s.logger.Error("cost solver failed, using greedy fallback",
			zap.String("chunk_id", chunk.ID.String()),
			zap.Error(err))
	}
	return s.planner.Fallback(chunk)
}

func (s *Service) settleBatch(ctx context.Context, batch *model.Batch) error {
	metrics.BatchesTotal.WithLabelValues(string(batch.Status)).Inc()
	s.emitBatchEvent(ctx, ledger.EventBatchCreated, batch, nil)

	switch batch.Status {
	case model.BatchInfeasible:
		s.emitBatchEvent(ctx, ledger.EventBatchInfeasible, batch, nil)
		// Keep the audit record, then give the members another cycle. The
		// retry is bounded by the deferral limit, not dropped here.
		if err := s.store.SaveBatch(ctx, batch, nil, nil, BatchInfeasible); err != nil && !errors.Is(err, ErrBatchExists) {
			s.logger.Error("failed to persist infeasible batch",
				zap.String("batch_id", batch.ID),
				zap.Error(err))
		}
		return s.deferMembers(ctx, batch, "no feasible batch under current caps")
	case model.BatchOptimal:
		s.emitBatchEvent(ctx, ledger.EventBatchOptimized, batch, nil)
	case model.BatchFallback:
		s.emitBatchEvent(ctx, ledger.EventBatchFallback, batch, nil)
	}

	result, err := netting.Net(batch)
	if err != nil {
		return fmt.Errorf("failed to net batch %s: %w", batch.ID, err)
	}
	s.emitBatchEvent(ctx, ledger.EventBatchNetted, batch, result)

	instructions, err := netting.Instructions(batch, result)
	if err != nil {
		return fmt.Errorf("failed to build instructions for batch %s: %w", batch.ID, err)
	}

	if decision := s.propose(ctx, batch, result); decision != DecisionCommitted {
		if err := s.store.SaveBatch(ctx, batch, result, nil, BatchAborted); err != nil && !errors.Is(err, ErrBatchExists) {
			s.logger.Error("failed to persist aborted batch",
				zap.String("batch_id", batch.ID),
				zap.Error(err))
		}
		return s.deferMembers(ctx, batch, "agreement aborted the batch")
	}

	if err := s.store.SaveBatch(ctx, batch, result, instructions, BatchCommitted); err != nil {
		if errors.Is(err, ErrBatchExists) {
			// Redelivered chunk: the first delivery already settled it.
			s.logger.Info("batch already persisted, skipping redelivery",
				zap.String("batch_id", batch.ID))
			return nil
		}
		return err
	}

	s.logger.Info("batch committed",
		zap.String("batch_id", batch.ID),
		zap.String("window", string(batch.Window)),
		zap.String("pair", batch.Pair),
		zap.String("status", string(batch.Status)),
		zap.Int("members", len(batch.Members)),
		zap.Int("gross_transfers", result.GrossTransfers),
		zap.Int("net_transfers", result.NetTransfers),
		zap.String("total_cost", batch.Cost.Total.String()))
	return nil
}

// deferMembers counts a deferral against every member and re-injects those
// still under the limit into their queue. Members past the limit are parked
// terminally so a permanently oversized transaction cannot loop forever.
func (s *Service) deferMembers(ctx context.Context, batch *model.Batch, reason string) error {
	counts, err := s.store.IncrementDeferral(ctx, batch.MemberIDs())
	if err != nil {
		return fmt.Errorf("failed to defer members of batch %s: %w", batch.ID, err)
	}

	retry := make([]*model.TransactionIntent, 0, len(batch.Members))
	var exhausted []string
	for _, m := range batch.Members {
		if counts[m.ID] > s.cfg.DeferralLimit {
			exhausted = append(exhausted, m.ID)
			continue
		}
		retry = append(retry, m)
	}

	if len(exhausted) > 0 {
		if err := s.store.MarkInfeasible(ctx, exhausted); err != nil {
			return fmt.Errorf("failed to park exhausted members of batch %s: %w", batch.ID, err)
		}
		s.logger.Error("transactions exhausted their deferral budget",
			zap.String("batch_id", batch.ID),
			zap.Strings("transaction_ids", exhausted),
			zap.Int("deferral_limit", s.cfg.DeferralLimit),
			zap.String("reason", reason))
	}
	if len(retry) > 0 {
		s.deferrer.Defer(model.GroupKey{Window: batch.Window, Pair: batch.Pair}, retry)
		s.logger.Warn("transactions deferred to the next chunk cycle",
			zap.String("batch_id", batch.ID),
			zap.Int("count", len(retry)),
			zap.String("reason", reason))
	}
	return nil
}

// propose asks the agreement service for a verdict with bounded retries. A
// persistently unreachable agreement service aborts the batch; the members
// are deferred and tried again, so no commitment is assumed on silence.
func (s *Service) propose(ctx context.Context, batch *model.Batch, result *model.NettingResult) Decision {
	backoff := proposeBackoff
	for attempt := 1; ; attempt++ {
		decision, err := s.agreement.Propose(ctx, batch, result)
		if err == nil {
			return decision
		}
		if attempt >= proposeAttempts {
			s.logger.Error("agreement service unreachable, aborting batch",
				zap.String("batch_id", batch.ID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return DecisionAborted
		}
		s.logger.Warn("agreement proposal failed, retrying",
			zap.String("batch_id", batch.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.logger.Error("agreement proposal canceled, aborting batch",
				zap.String("batch_id", batch.ID),
				zap.Error(ctx.Err()))
			return DecisionAborted
		}
		backoff *= 2
	}
}

type batchEventPayload struct {
	ChunkID   string               `json:"chunk_id"`
	Status    model.BatchStatus    `json:"status"`
	MemberIDs []string             `json:"member_transaction_ids"`
	Cost      model.CostBreakdown  `json:"cost"`
	Netting   *model.NettingResult `json:"netting,omitempty"`
}

// emitBatchEvent journals a batch lifecycle event. Best effort: the database
// transaction in SaveBatch is the system of record, the ledger trail is for
// consumers and audit.
func (s *Service) emitBatchEvent(ctx context.Context, typ ledger.EventType, batch *model.Batch, result *model.NettingResult) {
	payload := batchEventPayload{
		ChunkID:   batch.ChunkID,
		Status:    batch.Status,
		MemberIDs: batch.MemberIDs(),
		Cost:      batch.Cost,
		Netting:   result,
	}
	ev, err := ledger.NewEvent(typ, batch.ID, string(batch.Window), batch.Pair, payload)
	if err == nil {
		err = s.emitter.Emit(ctx, ev)
	}
	if err != nil {
		s.logger.Warn("failed to emit batch event",
			zap.String("event_type", string(typ)),
			zap.String("batch_id", batch.ID),
			zap.Error(err))
	}
}

// TransactionStatus returns the lifecycle record of one transaction.
func (s *Service) TransactionStatus(ctx context.Context, id string) (*TransactionRecord, error) {
	return s.store.GetTransaction(ctx, id)
}

// BatchStatus returns a batch with its netting entries and instructions.
func (s *Service) BatchStatus(ctx context.Context, id string) (*BatchView, error) {
	return s.store.GetBatch(ctx, id)
}

// ConfirmBatch acknowledges external execution of a committed batch's wires.
func (s *Service) ConfirmBatch(ctx context.Context, id string) (*BatchView, error) {
	return s.store.ConfirmBatch(ctx, id)
}

// LiquidityPosition reports one currency's settled volume in a window
// against the configured liquidity cap.
type LiquidityPosition struct {
	Currency string          `json:"currency"`
	Cap      decimal.Decimal `json:"cap"`
	Settled  decimal.Decimal `json:"settled"`
	Headroom decimal.Decimal `json:"headroom"`
}

// ExposureReport is the netted exposure against one counterparty across
// settled batches, measured against its exposure cap. Total sums across
// currencies, matching how the solver applies the cap.
type ExposureReport struct {
	CounterpartyID string                     `json:"counterparty_id"`
	Cap            decimal.Decimal            `json:"cap"`
	ByCurrency     map[string]decimal.Decimal `json:"exposure_by_currency"`
	Total          decimal.Decimal            `json:"total_exposure"`
	UtilizationPct decimal.Decimal            `json:"utilization_pct"`
}

// Liquidity reports the per-currency settled volume, cap and headroom for one
// window. Currencies with a configured cap show up even before anything
// settles in them.
func (s *Service) Liquidity(ctx context.Context, window model.Window) ([]LiquidityPosition, error) {
	totals, err := s.store.LiquiditySnapshot(ctx, string(window))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(totals))
	currencies := make([]string, 0, len(totals))
	for ccy := range totals {
		seen[ccy] = struct{}{}
		currencies = append(currencies, ccy)
	}
	for ccy := range s.fees.LiquidityCaps[string(window)] {
		if _, ok := seen[ccy]; !ok {
			currencies = append(currencies, ccy)
		}
	}
	sort.Strings(currencies)

	positions := make([]LiquidityPosition, 0, len(currencies))
	for _, ccy := range currencies {
		cap := s.fees.LiquidityCap(string(window), ccy)
		positions = append(positions, LiquidityPosition{
			Currency: ccy,
			Cap:      cap,
			Settled:  totals[ccy],
			Headroom: cap.Sub(totals[ccy]),
		})
	}
	return positions, nil
}

// Exposure reports the absolute netted exposure per currency against one
// counterparty across settled batches, with the cap utilization.
func (s *Service) Exposure(ctx context.Context, counterpartyID string) (*ExposureReport, error) {
	byCurrency, err := s.store.ExposureSnapshot(ctx, counterpartyID)
	if err != nil {
		return nil, err
	}
	report := &ExposureReport{
		CounterpartyID: counterpartyID,
		Cap:            s.fees.ExposureCap(counterpartyID),
		ByCurrency:     byCurrency,
	}
	for _, amount := range byCurrency {
		report.Total = report.Total.Add(amount)
	}
	if report.Cap.IsPositive() {
		report.UtilizationPct = report.Total.Div(report.Cap).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return report, nil
}

// Health reports dependency liveness for the health endpoint.
func (s *Service) Health(ctx context.Context) map[string]string {
	health := map[string]string{"status": "ok", "database": "ok"}
	if err := s.store.Ping(ctx); err != nil {
		health["status"] = "degraded"
		health["database"] = err.Error()
	}
	return health
}
