package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Each sqlite connection would get its own empty in-memory database.
	sqlDB.SetMaxOpenConns(1)

	store, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func storedIntent(seq uint64, id, counterparty, src, dst, amount string) *model.TransactionIntent {
	return &model.TransactionIntent{
		ID:             id,
		Amount:         decimal.RequireFromString(amount),
		SourceCurrency: src,
		DestCurrency:   dst,
		SourceAccount:  "HOUSE:main",
		DestAccount:    counterparty + ":nostro",
		CounterpartyID: counterparty,
		Window:         model.WindowT1,
		IdempotencyKey: "key-" + id,
		SubmittedAt:    time.Now().UTC(),
		ArrivalSeq:     seq,
	}
}

func storedBatch(ordinal int, status model.BatchStatus, members ...*model.TransactionIntent) *model.Batch {
	chunkID := uuid.MustParse("9c1f67aa-41f2-4c2a-bab6-7f2f2f3f9f01")
	return &model.Batch{
		ID:      model.BatchID(chunkID, ordinal),
		ChunkID: chunkID.String(),
		Window:  model.WindowT1,
		Pair:    "EUR/USD",
		Members: members,
		Gross:   model.GrossSubtotals(members),
		Cost: model.CostBreakdown{
			FXSpreadCost:          decimal.RequireFromString("0.50"),
			WireCost:              decimal.RequireFromString("5.00"),
			ConsolidationDiscount: decimal.RequireFromString("0.75"),
			Total:                 decimal.RequireFromString("4.75"),
		},
		Status: status,
	}
}

func storedResult(batch *model.Batch) *model.NettingResult {
	return &model.NettingResult{
		BatchID: batch.ID,
		Entries: []model.NettingEntry{{
			CounterpartyID:   "CP-A",
			Currency:         "EUR",
			GrossOwedTo:      decimal.RequireFromString("300.00"),
			GrossOwedBy:      decimal.Zero,
			Net:              decimal.RequireFromString("300.00"),
			Direction:        model.DirectionPay,
			TransactionCount: len(batch.Members),
		}},
		GrossTransfers: len(batch.Members),
		NetTransfers:   1,
	}
}

func storedInstructions(batch *model.Batch) []*model.SettlementInstruction {
	batchUUID := uuid.MustParse(batch.ID)
	return []*model.SettlementInstruction{{
		ID:             model.InstructionID(batchUUID, "CP-A", "EUR"),
		BatchID:        batch.ID,
		CounterpartyID: "CP-A",
		Currency:       "EUR",
		Amount:         decimal.RequireFromString("300.00"),
		Direction:      model.DirectionPay,
		Status:         model.InstructionPending,
	}}
}

func TestRecordQueuedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	intent := storedIntent(1, "txn-1", "CP-A", "EUR", "USD", "100.00")

	require.NoError(t, store.RecordQueued(ctx, intent))
	// Crash-redelivery replays the same admission.
	require.NoError(t, store.RecordQueued(ctx, intent))

	rec, err := store.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, TxQueued, rec.Status)
	assert.Equal(t, "CP-A", rec.CounterpartyID)
	assert.Equal(t, "t1", rec.Window)
	assert.Equal(t, "EUR/USD", rec.Pair)
	assert.Equal(t, 0, rec.Deferrals)
	assert.Nil(t, rec.BatchID)
	assert.True(t, rec.Amount.Equal(decimal.RequireFromString("100.00")), "got %s", rec.Amount)
}

func TestGetTransactionUnknown(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTransaction(context.Background(), "txn-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveBatchIsWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	members := []*model.TransactionIntent{
		storedIntent(1, "txn-1", "CP-A", "EUR", "USD", "100.00"),
		storedIntent(2, "txn-2", "CP-A", "EUR", "USD", "200.00"),
	}
	for _, m := range members {
		require.NoError(t, store.RecordQueued(ctx, m))
	}
	batch := storedBatch(0, model.BatchOptimal, members...)
	result := storedResult(batch)
	instructions := storedInstructions(batch)

	require.NoError(t, store.SaveBatch(ctx, batch, result, instructions, BatchCommitted))

	err := store.SaveBatch(ctx, batch, result, instructions, BatchCommitted)
	require.ErrorIs(t, err, ErrBatchExists)

	view, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "OPTIMAL", view.Batch.Status)
	assert.Equal(t, BatchCommitted, view.Batch.State)
	assert.Equal(t, []string{"txn-1", "txn-2"}, view.MemberIDs)
	assert.Equal(t, map[string]string{"EUR": "300"}, view.Gross)
	require.Len(t, view.Entries, 1)
	assert.Equal(t, "CP-A", view.Entries[0].CounterpartyID)
	assert.True(t, view.Entries[0].Net.Equal(decimal.RequireFromString("-300")))
	require.Len(t, view.Instructions, 1)
	assert.Equal(t, string(model.InstructionPending), view.Instructions[0].Status)
	assert.Equal(t, 2, view.Batch.GrossTransfers)
	assert.Equal(t, 1, view.Batch.NetTransfers)

	// Members follow the batch into the batched state.
	for _, id := range []string{"txn-1", "txn-2"} {
		rec, err := store.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, TxBatched, rec.Status)
		require.NotNil(t, rec.BatchID)
		assert.Equal(t, batch.ID, *rec.BatchID)
	}
}

func TestSaveBatchOnlyCommitMarksMembers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	member := storedIntent(1, "txn-1", "CP-A", "EUR", "USD", "100.00")
	require.NoError(t, store.RecordQueued(ctx, member))

	batch := storedBatch(0, model.BatchFallback, member)
	require.NoError(t, store.SaveBatch(ctx, batch, storedResult(batch), nil, BatchAborted))

	rec, err := store.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, TxQueued, rec.Status)
	assert.Nil(t, rec.BatchID)

	view, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchAborted, view.Batch.State)
	assert.Empty(t, view.Instructions)
}

func TestIncrementDeferral(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordQueued(ctx, storedIntent(1, "txn-1", "CP-A", "EUR", "USD", "100.00")))
	require.NoError(t, store.RecordQueued(ctx, storedIntent(2, "txn-2", "CP-B", "EUR", "USD", "200.00")))

	counts, err := store.IncrementDeferral(ctx, []string{"txn-1", "txn-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"txn-1": 1, "txn-2": 1}, counts)

	counts, err = store.IncrementDeferral(ctx, []string{"txn-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"txn-1": 2}, counts)

	rec, err := store.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, TxDeferred, rec.Status)
	assert.Equal(t, 2, rec.Deferrals)
}

func TestIncrementDeferralUnknownTransaction(t *testing.T) {
	store := newTestStore(t)

	_, err := store.IncrementDeferral(context.Background(), []string{"txn-missing"})
	require.Error(t, err)
}

func TestMarkInfeasible(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordQueued(ctx, storedIntent(1, "txn-1", "CP-A", "EUR", "USD", "100.00")))

	require.NoError(t, store.MarkInfeasible(ctx, nil))
	require.NoError(t, store.MarkInfeasible(ctx, []string{"txn-1"}))

	rec, err := store.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, TxInfeasible, rec.Status)
}

func TestConfirmBatchLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	member := storedIntent(1, "txn-1", "CP-A", "EUR", "USD", "300.00")
	require.NoError(t, store.RecordQueued(ctx, member))

	batch := storedBatch(0, model.BatchOptimal, member)
	require.NoError(t, store.SaveBatch(ctx, batch, storedResult(batch), storedInstructions(batch), BatchCommitted))

	view, err := store.ConfirmBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchConfirmed, view.Batch.State)
	require.Len(t, view.Instructions, 1)
	assert.Equal(t, string(model.InstructionConfirmed), view.Instructions[0].Status)

	// Confirming twice is a conflict, not an idempotent success.
	_, err = store.ConfirmBatch(ctx, batch.ID)
	require.ErrorIs(t, err, ErrNotConfirmable)

	_, err = store.ConfirmBatch(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmBatchRejectsUncommitted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	member := storedIntent(1, "txn-1", "CP-A", "EUR", "USD", "300.00")
	require.NoError(t, store.RecordQueued(ctx, member))

	batch := storedBatch(0, model.BatchFallback, member)
	require.NoError(t, store.SaveBatch(ctx, batch, storedResult(batch), nil, BatchAborted))

	_, err := store.ConfirmBatch(ctx, batch.ID)
	require.ErrorIs(t, err, ErrNotConfirmable)
}

func TestLiquiditySnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	committed := storedBatch(0, model.BatchOptimal,
		storedIntent(1, "txn-1", "CP-A", "EUR", "USD", "100.00"),
		storedIntent(2, "txn-2", "CP-A", "USD", "EUR", "40.00"))
	require.NoError(t, store.SaveBatch(ctx, committed, storedResult(committed), nil, BatchCommitted))

	confirmed := storedBatch(1, model.BatchOptimal,
		storedIntent(3, "txn-3", "CP-B", "EUR", "USD", "60.00"))
	require.NoError(t, store.SaveBatch(ctx, confirmed, storedResult(confirmed), nil, BatchCommitted))
	_, err := store.ConfirmBatch(ctx, confirmed.ID)
	require.NoError(t, err)

	// Aborted batches never consumed liquidity.
	aborted := storedBatch(2, model.BatchFallback,
		storedIntent(4, "txn-4", "CP-C", "EUR", "USD", "999.00"))
	require.NoError(t, store.SaveBatch(ctx, aborted, storedResult(aborted), nil, BatchAborted))

	// Other windows are tallied separately.
	otherWindow := storedBatch(3, model.BatchOptimal,
		storedIntent(5, "txn-5", "CP-A", "EUR", "USD", "777.00"))
	otherWindow.Window = model.WindowRTGS
	require.NoError(t, store.SaveBatch(ctx, otherWindow, storedResult(otherWindow), nil, BatchCommitted))

	totals, err := store.LiquiditySnapshot(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.True(t, totals["EUR"].Equal(decimal.RequireFromString("160.00")), "EUR total %s", totals["EUR"])
	assert.True(t, totals["USD"].Equal(decimal.RequireFromString("40.00")), "USD total %s", totals["USD"])

	rtgs, err := store.LiquiditySnapshot(ctx, "rtgs")
	require.NoError(t, err)
	require.Len(t, rtgs, 1)
	assert.True(t, rtgs["EUR"].Equal(decimal.RequireFromString("777.00")))
}

func TestExposureSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := func(cp, ccy, net string) model.NettingEntry {
		n := decimal.RequireFromString(net)
		dir := model.DirectionPay
		if n.IsNegative() {
			dir = model.DirectionCollect
		}
		return model.NettingEntry{
			CounterpartyID: cp, Currency: ccy,
			GrossOwedTo: decimal.Zero, GrossOwedBy: decimal.Zero,
			Net: n, Direction: dir, TransactionCount: 1,
		}
	}

	committed := storedBatch(0, model.BatchOptimal,
		storedIntent(1, "txn-1", "CP-A", "EUR", "USD", "100.00"))
	require.NoError(t, store.SaveBatch(ctx, committed, &model.NettingResult{
		BatchID:        committed.ID,
		Entries:        []model.NettingEntry{entry("CP-A", "EUR", "-100.00"), entry("CP-A", "USD", "40.00"), entry("CP-B", "EUR", "-70.00")},
		GrossTransfers: 3,
		NetTransfers:   3,
	}, nil, BatchCommitted))

	aborted := storedBatch(1, model.BatchOptimal,
		storedIntent(2, "txn-2", "CP-A", "EUR", "USD", "500.00"))
	require.NoError(t, store.SaveBatch(ctx, aborted, &model.NettingResult{
		BatchID:        aborted.ID,
		Entries:        []model.NettingEntry{entry("CP-A", "EUR", "-500.00")},
		GrossTransfers: 1,
		NetTransfers:   1,
	}, nil, BatchAborted))

	exposure, err := store.ExposureSnapshot(ctx, "CP-A")
	require.NoError(t, err)
	require.Len(t, exposure, 2)
	assert.True(t, exposure["EUR"].Equal(decimal.RequireFromString("100.00")), "EUR exposure %s", exposure["EUR"])
	assert.True(t, exposure["USD"].Equal(decimal.RequireFromString("40.00")), "USD exposure %s", exposure["USD"])

	empty, err := store.ExposureSnapshot(ctx, "CP-UNKNOWN")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
