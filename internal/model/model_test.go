package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindow(t *testing.T) {
	for _, s := range []string{"rtgs", "t0", "t1", "t2"} {
		w, err := ParseWindow(s)
		require.NoError(t, err)
		assert.Equal(t, Window(s), w)
	}

	w, err := ParseWindow("")
	require.NoError(t, err)
	assert.Equal(t, WindowRTGS, w, "empty window should default to rtgs")

	_, err = ParseWindow("t3")
	assert.Error(t, err)
}

func TestNormalizePair(t *testing.T) {
	assert.Equal(t, "EUR/USD", NormalizePair("USD", "EUR"))
	assert.Equal(t, "EUR/USD", NormalizePair("EUR", "USD"))
	assert.Equal(t, "GBP/JPY", NormalizePair("JPY", "GBP"))
	assert.Equal(t, "USD/USD", NormalizePair("USD", "USD"))
}

func TestSupportedCurrency(t *testing.T) {
	assert.True(t, SupportedCurrency("USD"))
	assert.True(t, SupportedCurrency("ZAR"))
	assert.False(t, SupportedCurrency("XXX"))
	assert.False(t, SupportedCurrency("usd"), "codes are case sensitive")
}

func TestIntentDirection(t *testing.T) {
	inbound := &TransactionIntent{
		CounterpartyID: "CP-ALPHA",
		SourceAccount:  "CP-ALPHA:nostro-eur",
		DestAccount:    "HOUSE:main",
	}
	assert.True(t, inbound.Inbound())

	outbound := &TransactionIntent{
		CounterpartyID: "CP-ALPHA",
		SourceAccount:  "HOUSE:main",
		DestAccount:    "CP-ALPHA:nostro-eur",
	}
	assert.False(t, outbound.Inbound())

	// A counterparty id that merely prefixes another id must not match.
	other := &TransactionIntent{
		CounterpartyID: "CP-A",
		SourceAccount:  "CP-ALPHA:nostro-eur",
	}
	assert.False(t, other.Inbound())
}

func TestIntentKey(t *testing.T) {
	intent := &TransactionIntent{
		SourceCurrency: "USD",
		DestCurrency:   "EUR",
		Window:         WindowT1,
	}
	key := intent.Key()
	assert.Equal(t, GroupKey{Window: WindowT1, Pair: "EUR/USD"}, key)
	assert.Equal(t, "t1:EUR/USD", key.String())
}

func TestBatchIDDeterministic(t *testing.T) {
	chunk := uuid.New()
	first := BatchID(chunk, 0)
	assert.Equal(t, first, BatchID(chunk, 0))
	assert.NotEqual(t, first, BatchID(chunk, 1))
	assert.NotEqual(t, first, BatchID(uuid.New(), 0))

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}

func TestGrossSubtotals(t *testing.T) {
	members := []*TransactionIntent{
		{SourceCurrency: "USD", Amount: decimal.RequireFromString("100.00")},
		{SourceCurrency: "USD", Amount: decimal.RequireFromString("50.50")},
		{SourceCurrency: "EUR", Amount: decimal.RequireFromString("10.00")},
	}
	gross := GrossSubtotals(members)
	assert.True(t, gross["USD"].Equal(decimal.RequireFromString("150.50")))
	assert.True(t, gross["EUR"].Equal(decimal.RequireFromString("10.00")))
}

func TestBatchMemberIDs(t *testing.T) {
	b := &Batch{Members: []*TransactionIntent{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	assert.Equal(t, []string{"a", "b", "c"}, b.MemberIDs())
}
