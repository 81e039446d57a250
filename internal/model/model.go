// Package model defines the domain types shared across the settlement
// pipeline: submissions, admitted transaction intents, chunks, batches,
// netting results and settlement instructions.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Window is the settlement timing class. Transactions in different windows
// must never share a batch.
type Window string

const (
	WindowRTGS Window = "rtgs" // real-time gross settlement (immediate)
	WindowT0   Window = "t0"   // same-day
	WindowT1   Window = "t1"   // next-day
	WindowT2   Window = "t2"   // two business days
)

// ParseWindow validates a settlement window value against the closed set.
func ParseWindow(s string) (Window, error) {
	switch Window(s) {
	case WindowRTGS, WindowT0, WindowT1, WindowT2:
		return Window(s), nil
	case "":
		// The intake default, matching the original API contract.
		return WindowRTGS, nil
	default:
		return "", fmt.Errorf("unknown settlement window %q", s)
	}
}

// supportedCurrencies is the closed set of ISO 4217 codes the engine settles.
var supportedCurrencies = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CHF": {}, "CAD": {}, "AUD": {}, "NZD": {},
	"CNY": {}, "INR": {}, "KRW": {}, "SGD": {}, "HKD": {}, "MXN": {}, "BRL": {}, "ZAR": {},
}

// SupportedCurrency reports whether code is a settleable ISO 4217 currency.
func SupportedCurrency(code string) bool {
	_, ok := supportedCurrencies[code]
	return ok
}

// NormalizePair orders a currency pair alphabetically so that both flow
// directions of the same pair route to one queue (e.g. "EUR/USD").
func NormalizePair(src, dst string) string {
	if strings.Compare(src, dst) <= 0 {
		return src + "/" + dst
	}
	return dst + "/" + src
}

// GroupKey identifies one batching queue: a settlement window plus a
// normalized currency pair.
type GroupKey struct {
	Window Window
	Pair   string
}

func (k GroupKey) String() string {
	return string(k.Window) + ":" + k.Pair
}

// Submission is an incoming payment instruction, prior to validation.
type Submission struct {
	TransactionID       string `json:"transaction_id" validate:"required,max=50"`
	Amount              string `json:"amount" validate:"required"`
	SourceCurrency      string `json:"source_currency" validate:"required,len=3"`
	DestinationCurrency string `json:"destination_currency" validate:"required,len=3"`
	SourceAccount       string `json:"source_account" validate:"required,max=50"`
	DestinationAccount  string `json:"destination_account" validate:"required,max=50"`
	CounterpartyID      string `json:"counterparty_id" validate:"required,max=50"`
	IdempotencyKey      string `json:"idempotency_key" validate:"required,max=100"`
	SettlementWindow    string `json:"settlement_window"`
}

// TransactionIntent is a validated, admitted payment instruction. It is
// immutable once created; downstream stages consume it but never mutate it.
type TransactionIntent struct {
	ID             string          `json:"transaction_id"`
	Amount         decimal.Decimal `json:"amount"`
	SourceCurrency string          `json:"source_currency"`
	DestCurrency   string          `json:"destination_currency"`
	SourceAccount  string          `json:"source_account"`
	DestAccount    string          `json:"destination_account"`
	CounterpartyID string          `json:"counterparty_id"`
	Window         Window          `json:"settlement_window"`
	IdempotencyKey string          `json:"idempotency_key"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	ArrivalSeq     uint64          `json:"arrival_seq"`
}

// Pair returns the intent's normalized currency pair.
func (t *TransactionIntent) Pair() string {
	return NormalizePair(t.SourceCurrency, t.DestCurrency)
}

// Key returns the batching queue key for the intent.
func (t *TransactionIntent) Key() GroupKey {
	return GroupKey{Window: t.Window, Pair: t.Pair()}
}

// Inbound reports the obligation direction: true when the counterparty funds
// the source account (the counterparty owes the house), false when the house
// owes the counterparty. Accounts owned by a counterparty carry its id as an
// "<id>:" prefix.
func (t *TransactionIntent) Inbound() bool {
	return strings.HasPrefix(t.SourceAccount, t.CounterpartyID+":")
}

// ObligationCurrency is the funding-leg currency netting and liquidity caps
// operate on.
func (t *TransactionIntent) ObligationCurrency() string {
	return t.SourceCurrency
}

// Outcome is the admission response body. It is marshaled exactly once at
// admission and replayed byte-for-byte to duplicate submissions.
type Outcome struct {
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	Window        Window    `json:"window"`
	Pair          string    `json:"pair"`
	AcceptedAt    time.Time `json:"accepted_at"`
}

// ChunkTrigger records why a chunk was cut from its queue.
type ChunkTrigger string

const (
	TriggerSize    ChunkTrigger = "size"
	TriggerTimeout ChunkTrigger = "timeout"
	TriggerDrain   ChunkTrigger = "drain"
)

// Chunk is a bounded, arrival-ordered slice of one queue, ready for batch
// assignment. Immutable once formed.
type Chunk struct {
	ID      uuid.UUID
	Key     GroupKey
	Members []*TransactionIntent
	FormedAt time.Time
	Trigger  ChunkTrigger
}

// BatchStatus is the optimization outcome of a batch.
type BatchStatus string

const (
	BatchOptimal    BatchStatus = "OPTIMAL"
	BatchFallback   BatchStatus = "FALLBACK"
	BatchInfeasible BatchStatus = "INFEASIBLE"
)

// CostBreakdown decomposes the settlement cost of one batch.
type CostBreakdown struct {
	FXSpreadCost          decimal.Decimal `json:"fx_spread_cost"`
	WireCost              decimal.Decimal `json:"wire_cost"`
	ConsolidationDiscount decimal.Decimal `json:"consolidation_discount"`
	Total                 decimal.Decimal `json:"total_cost"`
}

// Batch is the unit handed to netting, agreement and persistence. Batches
// derived from one chunk partition its members exactly; infeasible members
// land in a single INFEASIBLE batch rather than being dropped.
type Batch struct {
	ID      string
	ChunkID string
	Window  Window
	Pair    string
	Members []*TransactionIntent
	Gross   map[string]decimal.Decimal
	Cost    CostBreakdown
	Status  BatchStatus
}

// MemberIDs returns the member transaction ids in arrival order.
func (b *Batch) MemberIDs() []string {
	ids := make([]string, len(b.Members))
	for i, m := range b.Members {
		ids[i] = m.ID
	}
	return ids
}

// BatchID derives the deterministic id of the ordinal-th batch cut from a
// chunk, so that re-running assignment on the same chunk reproduces identical
// ids.
func BatchID(chunkID uuid.UUID, ordinal int) string {
	return uuid.NewSHA1(chunkID, []byte(fmt.Sprintf("batch-%d", ordinal))).String()
}

// GrossSubtotals sums member amounts per obligation currency.
func GrossSubtotals(members []*TransactionIntent) map[string]decimal.Decimal {
	gross := make(map[string]decimal.Decimal)
	for _, m := range members {
		gross[m.ObligationCurrency()] = gross[m.ObligationCurrency()].Add(m.Amount)
	}
	return gross
}

// Direction of a net obligation from the house's point of view.
type Direction string

const (
	DirectionPay     Direction = "pay"     // house pays the counterparty
	DirectionCollect Direction = "collect" // house collects from the counterparty
	DirectionFlat    Direction = "flat"    // obligations cancel exactly
)

// NettingEntry is the per-(counterparty, currency) outcome of multilateral
// netting inside one batch.
type NettingEntry struct {
	CounterpartyID   string          `json:"counterparty_id"`
	Currency         string          `json:"currency"`
	GrossOwedTo      decimal.Decimal `json:"gross_owed_to"`
	GrossOwedBy      decimal.Decimal `json:"gross_owed_by"`
	Net              decimal.Decimal `json:"net"`
	Direction        Direction       `json:"direction"`
	TransactionCount int             `json:"transaction_count"`
}

// NettingResult collapses a batch's gross bilateral obligations into net
// transfers. Conservation holds per currency: the signed sums of gross and
// net positions are equal.
type NettingResult struct {
	BatchID        string         `json:"batch_id"`
	Entries        []NettingEntry `json:"entries"`
	GrossTransfers int            `json:"gross_transfers"`
	NetTransfers   int            `json:"net_transfers"`
}

// InstructionStatus is the wire-instruction lifecycle.
type InstructionStatus string

const (
	InstructionPending   InstructionStatus = "pending"
	InstructionConfirmed InstructionStatus = "confirmed"
)

// SettlementInstruction is one wire synthesized from a nonzero netting entry.
type SettlementInstruction struct {
	ID             string            `json:"instruction_id"`
	BatchID        string            `json:"batch_id"`
	CounterpartyID string            `json:"counterparty_id"`
	Currency       string            `json:"currency"`
	Amount         decimal.Decimal   `json:"amount"`
	Direction      Direction         `json:"direction"`
	Status         InstructionStatus `json:"status"`
}

// InstructionID derives the deterministic id of the wire instruction for one
// netting entry of a batch.
func InstructionID(batchID uuid.UUID, counterpartyID, currency string) string {
	return uuid.NewSHA1(batchID, []byte("wire-"+counterpartyID+"-"+currency)).String()
}
