// Package netting collapses a batch's gross bilateral obligations into one
// net position per counterparty and currency. Netting never crosses a
// currency: a counterparty that owes USD and is owed EUR carries two
// independent positions.
package netting

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/pkg/metrics"
)

// Net computes the multilateral netting result for a batch that reached
// OPTIMAL or FALLBACK status. An INFEASIBLE batch has no settlement to net
// and is rejected outright.
func Net(batch *model.Batch) (*model.NettingResult, error) {
	if batch.Status == model.BatchInfeasible {
		return nil, fmt.Errorf("batch %s is infeasible and cannot be netted", batch.ID)
	}

	type position struct {
		owedTo decimal.Decimal
		owedBy decimal.Decimal
		count  int
	}
	type posKey struct {
		counterparty string
		currency     string
	}

	positions := make(map[posKey]*position)
	for _, t := range batch.Members {
		key := posKey{t.CounterpartyID, t.ObligationCurrency()}
		pos, ok := positions[key]
		if !ok {
			pos = &position{}
			positions[key] = pos
		}
		if t.Inbound() {
			pos.owedBy = pos.owedBy.Add(t.Amount)
		} else {
			pos.owedTo = pos.owedTo.Add(t.Amount)
		}
		pos.count++
	}

	keys := make([]posKey, 0, len(positions))
	for key := range positions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].counterparty != keys[j].counterparty {
			return keys[i].counterparty < keys[j].counterparty
		}
		return keys[i].currency < keys[j].currency
	})

	result := &model.NettingResult{
		BatchID:        batch.ID,
		Entries:        make([]model.NettingEntry, 0, len(keys)),
		GrossTransfers: len(batch.Members),
	}
	for _, key := range keys {
		pos := positions[key]
		net := pos.owedTo.Sub(pos.owedBy)
		direction := model.DirectionFlat
		switch {
		case net.IsPositive():
			direction = model.DirectionPay
		case net.IsNegative():
			direction = model.DirectionCollect
		}
		if !net.IsZero() {
			result.NetTransfers++
		}
		result.Entries = append(result.Entries, model.NettingEntry{
			CounterpartyID:   key.counterparty,
			Currency:         key.currency,
			GrossOwedTo:      pos.owedTo,
			GrossOwedBy:      pos.owedBy,
			Net:              net,
			Direction:        direction,
			TransactionCount: pos.count,
		})
	}

	if err := verifyConservation(batch, result); err != nil {
		return nil, err
	}
	if result.GrossTransfers > 0 {
		reduction := 1 - float64(result.NetTransfers)/float64(result.GrossTransfers)
		metrics.NettingReduction.Observe(reduction)
	}
	return result, nil
}

// verifyConservation recomputes each currency's signed gross position from
// the raw members and requires the netted positions to sum to the same
// value. A mismatch means the netting arithmetic is broken, never the input.
func verifyConservation(batch *model.Batch, result *model.NettingResult) error {
	grossByCcy := make(map[string]decimal.Decimal)
	for _, t := range batch.Members {
		ccy := t.ObligationCurrency()
		if t.Inbound() {
			grossByCcy[ccy] = grossByCcy[ccy].Sub(t.Amount)
		} else {
			grossByCcy[ccy] = grossByCcy[ccy].Add(t.Amount)
		}
	}
	netByCcy := make(map[string]decimal.Decimal)
	for _, e := range result.Entries {
		netByCcy[e.Currency] = netByCcy[e.Currency].Add(e.Net)
	}
	for ccy, gross := range grossByCcy {
		if !gross.Equal(netByCcy[ccy]) {
			return fmt.Errorf("netting conservation violated for %s in batch %s: gross %s vs net %s",
				ccy, batch.ID, gross, netByCcy[ccy])
		}
	}
	return nil
}

// Instructions synthesizes one pending wire per nonzero netting entry. Ids
// are derived from the batch id and entry key, so regenerating instructions
// for the same batch yields the same ids.
func Instructions(batch *model.Batch, result *model.NettingResult) ([]*model.SettlementInstruction, error) {
	batchUUID, err := uuid.Parse(batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch id %q: %w", batch.ID, err)
	}
	instructions := make([]*model.SettlementInstruction, 0, result.NetTransfers)
	for _, e := range result.Entries {
		if e.Net.IsZero() {
			continue
		}
		instructions = append(instructions, &model.SettlementInstruction{
			ID:             model.InstructionID(batchUUID, e.CounterpartyID, e.Currency),
			BatchID:        batch.ID,
			CounterpartyID: e.CounterpartyID,
			Currency:       e.Currency,
			Amount:         e.Net.Abs(),
			Direction:      e.Direction,
			Status:         model.InstructionPending,
		})
	}
	return instructions, nil
}
