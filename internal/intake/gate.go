// Package intake admits payment submissions into the settlement pipeline:
// validation, admission control, idempotent deduplication and hand-off to
// the batching queues.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	errs "github.com/GeroJun/Real-Time-Transaction-Settlement-System/common/errors"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/ledger"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/pkg/metrics"
)

// maxAmount bounds a single submission's notional.
var maxAmount = decimal.RequireFromString("999999999.99")

// Status is the admission decision for one submission.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusThrottled Status = "throttled"
)

// Result is the tagged admission outcome. Exactly one of the optional fields
// is populated per status: Intent for accepted, Body/Outcome for accepted and
// duplicate, Problem for rejected and throttled.
type Result struct {
	Status     Status
	Intent     *model.TransactionIntent
	Outcome    *model.Outcome
	Body       []byte
	Problem    *errs.ProblemDetails
	RetryAfter time.Duration
}

// Router accepts admitted intents for grouping. Route must not block on
// downstream solver or netting work.
type Router interface {
	Route(intent *model.TransactionIntent)
}

// Backlog reports how many admitted intents are queued but not yet chunked,
// for admission control.
type Backlog interface {
	Pending() int
}

// Recorder persists the lifecycle record of an admitted transaction.
type Recorder interface {
	RecordQueued(ctx context.Context, intent *model.TransactionIntent) error
}

// Gate is the single entry point for submissions from both the HTTP API and
// the Kafka intake consumer.
type Gate struct {
	cfg      config.IntakeConfig
	validate *validator.Validate
	dedup    DedupStore
	router   Router
	backlog  Backlog
	recorder Recorder
	emitter  ledger.Emitter
	logger   *zap.Logger
	seq      atomic.Uint64
}

// NewGate builds the intake gate.
func NewGate(cfg config.IntakeConfig, dedup DedupStore, router Router, backlog Backlog, recorder Recorder, emitter ledger.Emitter, logger *zap.Logger) *Gate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Gate{
		cfg:      cfg,
		validate: v,
		dedup:    dedup,
		router:   router,
		backlog:  backlog,
		recorder: recorder,
		emitter:  emitter,
		logger:   logger,
	}
}

// Admit validates and admits one submission. Business outcomes come back as
// a tagged Result; the error return is reserved for infrastructure failures
// (dedup store, transaction store or ledger unavailable).
func (g *Gate) Admit(ctx context.Context, sub *model.Submission) (Result, error) {
	start := time.Now()
	defer func() {
		g.logger.Debug("admission completed",
			zap.String("transaction_id", sub.TransactionID),
			zap.Duration("duration", time.Since(start)))
	}()

	amount, window, problem := g.validateSubmission(sub)
	if problem != nil {
		metrics.AdmissionsTotal.WithLabelValues(string(StatusRejected)).Inc()
		return Result{Status: StatusRejected, Problem: problem}, nil
	}

	// Admission control runs before the dedup write so a throttled client can
	// safely retry with the same idempotency key.
	if pending := g.backlog.Pending(); pending >= g.cfg.MaxPending {
		metrics.AdmissionsTotal.WithLabelValues(string(StatusThrottled)).Inc()
		g.logger.Warn("intake throttled",
			zap.String("transaction_id", sub.TransactionID),
			zap.Int("pending", pending),
			zap.Int("max_pending", g.cfg.MaxPending))
		problem := errs.NewRateLimitError(
			fmt.Sprintf("pipeline backlog at capacity (%d pending)", pending), "")
		return Result{Status: StatusThrottled, Problem: problem, RetryAfter: time.Second}, nil
	}

	pair := model.NormalizePair(sub.SourceCurrency, sub.DestinationCurrency)
	outcome := &model.Outcome{
		TransactionID: sub.TransactionID,
		Status:        "submitted",
		Window:        window,
		Pair:          pair,
		AcceptedAt:    time.Now().UTC(),
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal admission outcome: %w", err)
	}

	key := DedupKey(sub.IdempotencyKey)
	existing, created, err := g.dedup.PutIfAbsent(ctx, key, body, g.cfg.DedupTTL)
	if err != nil {
		return Result{}, fmt.Errorf("dedup store unavailable: %w", err)
	}

	if !created {
		var prior model.Outcome
		if err := json.Unmarshal(existing, &prior); err != nil {
			return Result{}, fmt.Errorf("corrupt dedup entry for key %s: %w", key, err)
		}
		metrics.AdmissionsTotal.WithLabelValues(string(StatusDuplicate)).Inc()
		g.logger.Info("duplicate submission replayed",
			zap.String("transaction_id", sub.TransactionID),
			zap.String("original_transaction_id", prior.TransactionID))
		// Best effort: the authoritative SUBMITTED event already exists.
		ev, evErr := ledger.NewEvent(ledger.EventDeduped, prior.TransactionID, string(prior.Window), prior.Pair, map[string]string{
			"duplicate_transaction_id": sub.TransactionID,
		})
		if evErr == nil {
			evErr = g.emitter.Emit(ctx, ev)
		}
		if evErr != nil {
			g.logger.Warn("failed to emit DEDUPED event", zap.Error(evErr))
		}
		return Result{Status: StatusDuplicate, Outcome: &prior, Body: existing}, nil
	}

	intent := &model.TransactionIntent{
		ID:             sub.TransactionID,
		Amount:         amount,
		SourceCurrency: sub.SourceCurrency,
		DestCurrency:   sub.DestinationCurrency,
		SourceAccount:  sub.SourceAccount,
		DestAccount:    sub.DestinationAccount,
		CounterpartyID: sub.CounterpartyID,
		Window:         window,
		IdempotencyKey: sub.IdempotencyKey,
		SubmittedAt:    outcome.AcceptedAt,
		ArrivalSeq:     g.seq.Add(1),
	}

	if err := g.admit(ctx, intent, body); err != nil {
		// Compensate so a retry with the same key is not replayed as a
		// success that never entered the pipeline.
		if delErr := g.dedup.Delete(ctx, key); delErr != nil {
			g.logger.Error("failed to roll back dedup entry",
				zap.String("transaction_id", sub.TransactionID),
				zap.Error(delErr))
		}
		return Result{}, err
	}

	metrics.AdmissionsTotal.WithLabelValues(string(StatusAccepted)).Inc()
	g.logger.Info("transaction admitted",
		zap.String("transaction_id", intent.ID),
		zap.String("window", string(intent.Window)),
		zap.String("pair", pair),
		zap.String("amount", amount.String()),
		zap.Uint64("arrival_seq", intent.ArrivalSeq))
	return Result{Status: StatusAccepted, Intent: intent, Outcome: outcome, Body: body}, nil
}

// admit records, journals and routes a freshly admitted intent.
func (g *Gate) admit(ctx context.Context, intent *model.TransactionIntent, body []byte) error {
	if err := g.recorder.RecordQueued(ctx, intent); err != nil {
		return fmt.Errorf("failed to record transaction %s: %w", intent.ID, err)
	}
	ev := ledger.Event{
		Type:     ledger.EventSubmitted,
		EntityID: intent.ID,
		Window:   string(intent.Window),
		Pair:     intent.Pair(),
		Payload:  json.RawMessage(body),
	}
	if err := g.emitter.Emit(ctx, ev); err != nil {
		return fmt.Errorf("failed to journal admission of %s: %w", intent.ID, err)
	}
	g.router.Route(intent)
	return nil
}

// validateSubmission runs structural tags plus the domain checks: supported
// currencies, positive bounded amount with at most two decimal places,
// distinct accounts and a valid settlement window.
func (g *Gate) validateSubmission(sub *model.Submission) (decimal.Decimal, model.Window, *errs.ProblemDetails) {
	problem := errs.NewValidationError("submission failed validation", "")

	if err := g.validate.Struct(sub); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				problem.AddValidationError(fe.Field(), tagMessage(fe), fe.Tag())
			}
			return decimal.Zero, "", problem
		}
		problem.AddValidationError("", err.Error(), "invalid")
		return decimal.Zero, "", problem
	}

	amount, err := decimal.NewFromString(sub.Amount)
	if err != nil {
		problem.AddValidationError("amount", "must be a valid decimal", "invalid_amount")
	} else {
		if !amount.IsPositive() {
			problem.AddValidationError("amount", "must be greater than zero", "invalid_amount")
		}
		if amount.GreaterThan(maxAmount) {
			problem.AddValidationError("amount", "must not exceed 999999999.99", "amount_too_large")
		}
		if !amount.Equal(amount.Round(2)) {
			problem.AddValidationError("amount", "must have at most 2 decimal places", "invalid_scale")
		}
	}

	if !model.SupportedCurrency(sub.SourceCurrency) {
		problem.AddValidationError("source_currency", fmt.Sprintf("unsupported currency %q", sub.SourceCurrency), "unsupported_currency")
	}
	if !model.SupportedCurrency(sub.DestinationCurrency) {
		problem.AddValidationError("destination_currency", fmt.Sprintf("unsupported currency %q", sub.DestinationCurrency), "unsupported_currency")
	}
	if sub.SourceAccount == sub.DestinationAccount {
		problem.AddValidationError("destination_account", "source and destination accounts must differ", "same_account")
	}

	window, err := model.ParseWindow(sub.SettlementWindow)
	if err != nil {
		problem.AddValidationError("settlement_window", err.Error(), "invalid_window")
	}

	if len(problem.Errors) > 0 {
		return decimal.Zero, "", problem
	}
	return amount, window, nil
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
