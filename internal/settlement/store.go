package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
)

var (
	// ErrNotFound reports a missing transaction or batch.
	ErrNotFound = errors.New("not found")
	// ErrBatchExists guards the write-once batch invariant: a batch id is
	// persisted at most once, redeliveries are rejected here.
	ErrBatchExists = errors.New("batch already persisted")
	// ErrNotConfirmable reports a confirm attempt on a batch that is not in
	// the committed state.
	ErrNotConfirmable = errors.New("batch is not awaiting confirmation")
)

// Transaction lifecycle states as persisted.
const (
	TxQueued     = "queued"
	TxBatched    = "batched"
	TxDeferred   = "deferred"
	TxInfeasible = "infeasible"
)

// Batch agreement states as persisted.
const (
	BatchCommitted  = "committed"
	BatchAborted    = "aborted"
	BatchConfirmed  = "confirmed"
	BatchInfeasible = "infeasible"
)

// TransactionRecord tracks one admitted transaction through batching.
type TransactionRecord struct {
	ID             string          `gorm:"type:varchar(50);primaryKey" json:"transaction_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	SourceCurrency string          `gorm:"type:varchar(3);not null" json:"source_currency"`
	DestCurrency   string          `gorm:"type:varchar(3);not null" json:"destination_currency"`
	SourceAccount  string          `gorm:"type:varchar(50);not null" json:"source_account"`
	DestAccount    string          `gorm:"type:varchar(50);not null" json:"destination_account"`
	CounterpartyID string          `gorm:"type:varchar(50);not null;index" json:"counterparty_id"`
	Window         string          `gorm:"column:settlement_window;type:varchar(8);not null;index" json:"settlement_window"`
	Pair           string          `gorm:"type:varchar(7);not null" json:"currency_pair"`
	ArrivalSeq     uint64          `gorm:"not null" json:"-"`
	Status         string          `gorm:"type:varchar(16);not null;index" json:"status"`
	Deferrals      int             `gorm:"not null;default:0" json:"deferrals"`
	BatchID        *string         `gorm:"type:varchar(36);index" json:"batch_id,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BatchRecord is the persisted settlement batch. Status carries the
// optimization outcome; State carries the agreement lifecycle.
type BatchRecord struct {
	ID                    string          `gorm:"type:varchar(36);primaryKey" json:"batch_id"`
	ChunkID               string          `gorm:"type:varchar(36);not null;index" json:"chunk_id"`
	Window                string          `gorm:"column:settlement_window;type:varchar(8);not null;index" json:"settlement_window"`
	Pair                  string          `gorm:"type:varchar(7);not null" json:"currency_pair"`
	Status                string          `gorm:"type:varchar(12);not null" json:"optimization_status"`
	State                 string          `gorm:"type:varchar(12);not null;index" json:"state"`
	MemberIDs             string          `gorm:"type:text;not null" json:"-"`
	Gross                 string          `gorm:"type:text;not null" json:"-"`
	FXSpreadCost          decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"fx_spread_cost"`
	WireCost              decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"wire_cost"`
	ConsolidationDiscount decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"consolidation_discount"`
	TotalCost             decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"total_cost"`
	GrossTransfers        int             `gorm:"not null" json:"gross_transfers"`
	NetTransfers          int             `gorm:"not null" json:"net_transfers"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// NettingEntryRecord is one netted (counterparty, currency) position.
type NettingEntryRecord struct {
	ID               uint            `gorm:"primaryKey;autoIncrement" json:"-"`
	BatchID          string          `gorm:"type:varchar(36);not null;index" json:"batch_id"`
	CounterpartyID   string          `gorm:"type:varchar(50);not null;index" json:"counterparty_id"`
	Currency         string          `gorm:"type:varchar(3);not null" json:"currency"`
	GrossOwedTo      decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"gross_owed_to"`
	GrossOwedBy      decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"gross_owed_by"`
	Net              decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"net"`
	Direction        string          `gorm:"type:varchar(8);not null" json:"direction"`
	TransactionCount int             `gorm:"not null" json:"transaction_count"`
}

// InstructionRecord is one synthesized wire.
type InstructionRecord struct {
	ID             string          `gorm:"type:varchar(36);primaryKey" json:"instruction_id"`
	BatchID        string          `gorm:"type:varchar(36);not null;index" json:"batch_id"`
	CounterpartyID string          `gorm:"type:varchar(50);not null" json:"counterparty_id"`
	Currency       string          `gorm:"type:varchar(3);not null" json:"currency"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Direction      string          `gorm:"type:varchar(8);not null" json:"direction"`
	Status         string          `gorm:"type:varchar(12);not null" json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BatchView is a batch with its netting entries and instructions attached,
// the shape the status endpoints serve.
type BatchView struct {
	Batch        BatchRecord          `json:"batch"`
	MemberIDs    []string             `json:"member_transaction_ids"`
	Gross        map[string]string    `json:"gross_subtotals"`
	Entries      []NettingEntryRecord `json:"netting_entries"`
	Instructions []InstructionRecord  `json:"instructions"`
}

// Store is the GORM-backed system of record for transactions, batches,
// netting results and wire instructions.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&TransactionRecord{},
		&BatchRecord{},
		&NettingEntryRecord{},
		&InstructionRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate settlement schema: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordQueued persists an admitted transaction in the queued state. Replays
// of an already known id are a no-op so crash-redelivery stays idempotent.
func (s *Store) RecordQueued(ctx context.Context, intent *model.TransactionIntent) error {
	rec := &TransactionRecord{
		ID:             intent.ID,
		Amount:         intent.Amount,
		SourceCurrency: intent.SourceCurrency,
		DestCurrency:   intent.DestCurrency,
		SourceAccount:  intent.SourceAccount,
		DestAccount:    intent.DestAccount,
		CounterpartyID: intent.CounterpartyID,
		Window:         string(intent.Window),
		Pair:           intent.Pair(),
		ArrivalSeq:     intent.ArrivalSeq,
		Status:         TxQueued,
		SubmittedAt:    intent.SubmittedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to record transaction %s: %w", intent.ID, err)
	}
	return nil
}

// SaveBatch persists a settled batch with its netting result and
// instructions in one transaction, marking the member transactions batched.
// A batch id can only ever be written once.
func (s *Store) SaveBatch(ctx context.Context, batch *model.Batch, result *model.NettingResult, instructions []*model.SettlementInstruction, state string) error {
	memberIDs, err := json.Marshal(batch.MemberIDs())
	if err != nil {
		return fmt.Errorf("failed to encode member ids: %w", err)
	}
	gross := make(map[string]string, len(batch.Gross))
	for ccy, amount := range batch.Gross {
		gross[ccy] = amount.String()
	}
	grossJSON, err := json.Marshal(gross)
	if err != nil {
		return fmt.Errorf("failed to encode gross subtotals: %w", err)
	}

	rec := &BatchRecord{
		ID:                    batch.ID,
		ChunkID:               batch.ChunkID,
		Window:                string(batch.Window),
		Pair:                  batch.Pair,
		Status:                string(batch.Status),
		State:                 state,
		MemberIDs:             string(memberIDs),
		Gross:                 string(grossJSON),
		FXSpreadCost:          batch.Cost.FXSpreadCost,
		WireCost:              batch.Cost.WireCost,
		ConsolidationDiscount: batch.Cost.ConsolidationDiscount,
		TotalCost:             batch.Cost.Total,
	}
	if result != nil {
		rec.GrossTransfers = result.GrossTransfers
		rec.NetTransfers = result.NetTransfers
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing BatchRecord
		err := tx.Select("id").First(&existing, "id = ?", batch.ID).Error
		switch {
		case err == nil:
			return fmt.Errorf("batch %s: %w", batch.ID, ErrBatchExists)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to check batch %s: %w", batch.ID, err)
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to persist batch %s: %w", batch.ID, err)
		}
		if result != nil {
			for _, e := range result.Entries {
				entry := &NettingEntryRecord{
					BatchID:          batch.ID,
					CounterpartyID:   e.CounterpartyID,
					Currency:         e.Currency,
					GrossOwedTo:      e.GrossOwedTo,
					GrossOwedBy:      e.GrossOwedBy,
					Net:              e.Net,
					Direction:        string(e.Direction),
					TransactionCount: e.TransactionCount,
				}
				if err := tx.Create(entry).Error; err != nil {
					return fmt.Errorf("failed to persist netting entry: %w", err)
				}
			}
		}
		for _, ins := range instructions {
			rec := &InstructionRecord{
				ID:             ins.ID,
				BatchID:        ins.BatchID,
				CounterpartyID: ins.CounterpartyID,
				Currency:       ins.Currency,
				Amount:         ins.Amount,
				Direction:      string(ins.Direction),
				Status:         string(ins.Status),
			}
			if err := tx.Create(rec).Error; err != nil {
				return fmt.Errorf("failed to persist instruction %s: %w", ins.ID, err)
			}
		}
		if state == BatchCommitted {
			err := tx.Model(&TransactionRecord{}).
				Where("id IN ?", batch.MemberIDs()).
				Updates(map[string]interface{}{"status": TxBatched, "batch_id": batch.ID}).Error
			if err != nil {
				return fmt.Errorf("failed to mark members batched: %w", err)
			}
		}
		return nil
	})
}

// IncrementDeferral bumps the deferral count of each transaction, marks it
// deferred, and returns the new counts so the caller can apply the retry
// limit.
func (s *Store) IncrementDeferral(ctx context.Context, ids []string) (map[string]int, error) {
	counts := make(map[string]int, len(ids))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			var rec TransactionRecord
			if err := tx.First(&rec, "id = ?", id).Error; err != nil {
				return fmt.Errorf("failed to load transaction %s: %w", id, err)
			}
			rec.Deferrals++
			rec.Status = TxDeferred
			if err := tx.Save(&rec).Error; err != nil {
				return fmt.Errorf("failed to defer transaction %s: %w", id, err)
			}
			counts[id] = rec.Deferrals
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// MarkInfeasible parks transactions terminally: the deferral limit is spent
// and no feasible batch will ever hold them.
func (s *Store) MarkInfeasible(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&TransactionRecord{}).
		Where("id IN ?", ids).
		Update("status", TxInfeasible).Error
	if err != nil {
		return fmt.Errorf("failed to mark transactions infeasible: %w", err)
	}
	return nil
}

// GetTransaction loads one transaction record.
func (s *Store) GetTransaction(ctx context.Context, id string) (*TransactionRecord, error) {
	var rec TransactionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", id, err)
	}
	return &rec, nil
}

// GetBatch loads a batch with its netting entries and instructions.
func (s *Store) GetBatch(ctx context.Context, id string) (*BatchView, error) {
	var rec BatchRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", id, err)
	}
	return s.composeView(ctx, rec)
}

func (s *Store) composeView(ctx context.Context, rec BatchRecord) (*BatchView, error) {
	view := &BatchView{Batch: rec}
	if err := json.Unmarshal([]byte(rec.MemberIDs), &view.MemberIDs); err != nil {
		return nil, fmt.Errorf("failed to decode member ids of batch %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(rec.Gross), &view.Gross); err != nil {
		return nil, fmt.Errorf("failed to decode gross subtotals of batch %s: %w", rec.ID, err)
	}
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", rec.ID).
		Order("counterparty_id, currency").
		Find(&view.Entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load netting entries of batch %s: %w", rec.ID, err)
	}
	err = s.db.WithContext(ctx).
		Where("batch_id = ?", rec.ID).
		Order("counterparty_id, currency").
		Find(&view.Instructions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load instructions of batch %s: %w", rec.ID, err)
	}
	return view, nil
}

// ConfirmBatch moves a committed batch to confirmed and confirms its wires.
// Any other state is rejected with ErrNotConfirmable; confirming twice is
// therefore an error the API can surface as a conflict.
func (s *Store) ConfirmBatch(ctx context.Context, id string) (*BatchView, error) {
	var rec BatchRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("batch %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("failed to load batch %s: %w", id, err)
		}
		if rec.State != BatchCommitted {
			return fmt.Errorf("batch %s in state %s: %w", id, rec.State, ErrNotConfirmable)
		}
		rec.State = BatchConfirmed
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to confirm batch %s: %w", id, err)
		}
		err := tx.Model(&InstructionRecord{}).
			Where("batch_id = ?", id).
			Update("status", string(model.InstructionConfirmed)).Error
		if err != nil {
			return fmt.Errorf("failed to confirm instructions of batch %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.composeView(ctx, rec)
}

// LiquiditySnapshot sums the gross subtotals of settled batches in one
// window, per currency.
func (s *Store) LiquiditySnapshot(ctx context.Context, window string) (map[string]decimal.Decimal, error) {
	var batches []BatchRecord
	err := s.db.WithContext(ctx).
		Where("settlement_window = ? AND state IN ?", window, []string{BatchCommitted, BatchConfirmed}).
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load batches for window %s: %w", window, err)
	}
	totals := make(map[string]decimal.Decimal)
	for _, b := range batches {
		var gross map[string]string
		if err := json.Unmarshal([]byte(b.Gross), &gross); err != nil {
			return nil, fmt.Errorf("failed to decode gross subtotals of batch %s: %w", b.ID, err)
		}
		for ccy, raw := range gross {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("failed to parse gross amount of batch %s: %w", b.ID, err)
			}
			totals[ccy] = totals[ccy].Add(amount)
		}
	}
	return totals, nil
}

// ExposureSnapshot sums the absolute netted exposure to one counterparty
// across settled batches, per currency.
func (s *Store) ExposureSnapshot(ctx context.Context, counterpartyID string) (map[string]decimal.Decimal, error) {
	var entries []NettingEntryRecord
	err := s.db.WithContext(ctx).
		Where("counterparty_id = ? AND batch_id IN (?)", counterpartyID,
			s.db.Model(&BatchRecord{}).Select("id").Where("state IN ?", []string{BatchCommitted, BatchConfirmed})).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load exposure for %s: %w", counterpartyID, err)
	}
	totals := make(map[string]decimal.Decimal)
	for _, e := range entries {
		totals[e.Currency] = totals[e.Currency].Add(e.Net.Abs())
	}
	return totals, nil
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access database handle: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access database handle: %w", err)
	}
	return sqlDB.Close()
}
