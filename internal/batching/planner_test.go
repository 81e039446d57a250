package batching

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
)

func testIntent(seq uint64, id, cp, src, dst, amount string) *model.TransactionIntent {
	return &model.TransactionIntent{
		ID:             id,
		Amount:         decimal.RequireFromString(amount),
		SourceCurrency: src,
		DestCurrency:   dst,
		SourceAccount:  "HOUSE:main",
		DestAccount:    cp + ":nostro",
		CounterpartyID: cp,
		Window:         model.WindowT1,
		ArrivalSeq:     seq,
	}
}

// testChunk pins the chunk id so repartition runs are comparable end to end,
// batch ids included.
func testChunk(members ...*model.TransactionIntent) *model.Chunk {
	return &model.Chunk{
		ID:      uuid.MustParse("6f8e4b2c-0b5a-4c7e-9d3f-2a1b0c9d8e7f"),
		Key:     model.GroupKey{Window: model.WindowT1, Pair: "EUR/USD"},
		Members: members,
		Trigger: model.TriggerSize,
	}
}

// cappedFees returns the default table with a tight t1/USD liquidity cap.
func cappedFees(usdCap string) *config.FeeTable {
	fees := config.DefaultFees()
	fees.LiquidityCaps = map[string]map[string]decimal.Decimal{
		"t1": {"USD": decimal.RequireFromString(usdCap)},
	}
	return fees
}

// requirePartition checks that the batches partition the chunk: every member
// exactly once, no extras.
func requirePartition(t *testing.T, chunk *model.Chunk, batches []*model.Batch) {
	t.Helper()
	seen := make(map[string]int)
	for _, b := range batches {
		for _, m := range b.Members {
			seen[m.ID]++
		}
	}
	require.Len(t, seen, len(chunk.Members))
	for _, m := range chunk.Members {
		require.Equal(t, 1, seen[m.ID], "member %s", m.ID)
	}
}

func TestFallbackSingleBatch(t *testing.T) {
	p := NewPlanner(config.DefaultFees(), 1000)
	chunk := testChunk(
		testIntent(1, "txn-1", "CP-A", "USD", "EUR", "100.00"),
		testIntent(2, "txn-2", "CP-A", "USD", "EUR", "200.00"),
		testIntent(3, "txn-3", "CP-B", "USD", "EUR", "300.00"),
	)

	batches := p.Fallback(chunk)
	require.Len(t, batches, 1)

	b := batches[0]
	assert.Equal(t, model.BatchID(chunk.ID, 0), b.ID)
	assert.Equal(t, chunk.ID.String(), b.ChunkID)
	assert.Equal(t, model.WindowT1, b.Window)
	assert.Equal(t, "EUR/USD", b.Pair)
	assert.Equal(t, model.BatchFallback, b.Status)
	assert.Equal(t, []string{"txn-1", "txn-2", "txn-3"}, b.MemberIDs())
	assert.True(t, b.Gross["USD"].Equal(decimal.RequireFromString("600.00")))
	requirePartition(t, chunk, batches)
}

func TestFallbackIsDeterministic(t *testing.T) {
	p := NewPlanner(cappedFees("1000"), 2)
	chunk := testChunk(
		testIntent(1, "txn-1", "CP-A", "USD", "EUR", "400.00"),
		testIntent(2, "txn-2", "CP-B", "USD", "EUR", "700.00"),
		testIntent(3, "txn-3", "CP-A", "EUR", "USD", "150.00"),
		testIntent(4, "txn-4", "CP-C", "USD", "EUR", "900.00"),
	)

	first := p.Fallback(chunk)
	second := p.Fallback(chunk)
	require.Equal(t, first, second)
}

func TestFallbackHonorsSizeCap(t *testing.T) {
	p := NewPlanner(config.DefaultFees(), 2)
	chunk := testChunk(
		testIntent(1, "txn-1", "CP-A", "USD", "EUR", "10.00"),
		testIntent(2, "txn-2", "CP-A", "USD", "EUR", "10.00"),
		testIntent(3, "txn-3", "CP-A", "USD", "EUR", "10.00"),
		testIntent(4, "txn-4", "CP-A", "USD", "EUR", "10.00"),
		testIntent(5, "txn-5", "CP-A", "USD", "EUR", "10.00"),
	)

	batches := p.Fallback(chunk)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.LessOrEqual(t, len(b.Members), 2)
	}
	requirePartition(t, chunk, batches)
}

func TestFallbackHonorsLiquidityCap(t *testing.T) {
	p := NewPlanner(cappedFees("1000"), 1000)
	chunk := testChunk(
		testIntent(1, "txn-1", "CP-A", "USD", "EUR", "600.00"),
		testIntent(2, "txn-2", "CP-B", "USD", "EUR", "600.00"),
	)

	batches := p.Fallback(chunk)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.True(t, b.Gross["USD"].LessThanOrEqual(decimal.RequireFromString("1000")))
	}
	requirePartition(t, chunk, batches)
}

func TestFallbackHonorsExposureCap(t *testing.T) {
	fees := config.DefaultFees()
	fees.ExposureCaps = map[string]decimal.Decimal{"CP-A": decimal.RequireFromString("1000")}
	p := NewPlanner(fees, 1000)
	// Same counterparty funding in two currencies shares one exposure budget.
	chunk := testChunk(
		testIntent(1, "txn-1", "CP-A", "USD", "EUR", "600.00"),
		testIntent(2, "txn-2", "CP-A", "EUR", "USD", "600.00"),
	)

	batches := p.Fallback(chunk)
	require.Len(t, batches, 2)
	requirePartition(t, chunk, batches)
}

func TestFallbackMarksOversizedMembersInfeasible(t *testing.T) {
	p := NewPlanner(cappedFees("1000"), 1000)
	chunk := testChunk(
		testIntent(1, "txn-1", "CP-A", "USD", "EUR", "500.00"),
		testIntent(2, "txn-2", "CP-B", "USD", "EUR", "5000.00"),
	)

	batches := p.Fallback(chunk)
	require.Len(t, batches, 2)

	assert.Equal(t, model.BatchFallback, batches[0].Status)
	assert.Equal(t, []string{"txn-1"}, batches[0].MemberIDs())

	inf := batches[1]
	assert.Equal(t, model.BatchInfeasible, inf.Status)
	assert.Equal(t, model.BatchID(chunk.ID, 1), inf.ID)
	assert.Equal(t, []string{"txn-2"}, inf.MemberIDs())
	assert.True(t, inf.Cost.Total.IsZero())
	requirePartition(t, chunk, batches)
}

func TestFallbackGroupsByCounterpartyFirst(t *testing.T) {
	p := NewPlanner(config.DefaultFees(), 2)
	// CP-B arrives between CP-A's two legs; grouping still packs both CP-A
	// wire groups together before CP-B opens the next batch.
	chunk := testChunk(
		testIntent(1, "txn-1", "CP-A", "USD", "EUR", "100.00"),
		testIntent(2, "txn-2", "CP-B", "USD", "EUR", "100.00"),
		testIntent(3, "txn-3", "CP-A", "EUR", "USD", "100.00"),
	)

	batches := p.Fallback(chunk)
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"txn-1", "txn-3"}, batches[0].MemberIDs())
	assert.Equal(t, []string{"txn-2"}, batches[1].MemberIDs())
}

func TestFallbackSplitsChunkLargerThanBatchCap(t *testing.T) {
	p := NewPlanner(config.DefaultFees(), 1000)
	members := make([]*model.TransactionIntent, 0, 1500)
	for i := 0; i < 1500; i++ {
		members = append(members,
			testIntent(uint64(i+1), fmt.Sprintf("txn-%04d", i+1), "CP-A", "USD", "EUR", "1.00"))
	}
	chunk := testChunk(members...)

	batches := p.Fallback(chunk)
	require.GreaterOrEqual(t, len(batches), 2)
	for _, b := range batches {
		assert.LessOrEqual(t, len(b.Members), 1000)
		assert.Equal(t, model.BatchFallback, b.Status)
	}
	requirePartition(t, chunk, batches)
}
