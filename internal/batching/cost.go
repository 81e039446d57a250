package batching

import (
	"github.com/shopspring/decimal"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
)

// CostModel prices a set of transactions under the configured fee table.
// The objective it encodes is
//
//	fx_spread_cost + wire_cost - consolidation_discount
//
// where spread is a per-pair basis-point rate on notional, every
// (counterparty, funding currency) group in a batch costs one wire, and a
// group that consolidates two or more transactions into that wire earns a
// proportional discount.
type CostModel struct {
	fees *config.FeeTable
}

func NewCostModel(fees *config.FeeTable) *CostModel {
	return &CostModel{fees: fees}
}

// SpreadCost returns the FX spread charged on a single transaction. A
// transaction that stays in one currency pays no spread.
func (m *CostModel) SpreadCost(t *model.TransactionIntent) decimal.Decimal {
	if t.SourceCurrency == t.DestCurrency {
		return decimal.Zero
	}
	// bps / 10000 is an exact base-10 shift, so no division rounding.
	return t.Amount.Mul(m.fees.SpreadFor(t.Pair())).Shift(-4)
}

// WireDiscount returns the consolidation discount earned by one wire group,
// a fixed fraction of the wire price.
func (m *CostModel) WireDiscount() decimal.Decimal {
	return m.fees.DiscountRate.Mul(m.fees.WirePrice)
}

// BatchCost prices a candidate batch. Wire groups are keyed by counterparty
// and funding currency: all of a group's transactions settle over a single
// wire, and groups with at least two members earn the consolidation discount.
func (m *CostModel) BatchCost(members []*model.TransactionIntent) model.CostBreakdown {
	spread := decimal.Zero
	wires := make(map[wireKey]int, len(members))
	for _, t := range members {
		spread = spread.Add(m.SpreadCost(t))
		wires[wireKey{t.CounterpartyID, t.ObligationCurrency()}]++
	}

	wireCost := m.fees.WirePrice.Mul(decimal.NewFromInt(int64(len(wires))))
	discount := decimal.Zero
	for _, count := range wires {
		if count >= 2 {
			discount = discount.Add(m.WireDiscount())
		}
	}

	return model.CostBreakdown{
		FXSpreadCost:          spread,
		WireCost:              wireCost,
		ConsolidationDiscount: discount,
		Total:                 spread.Add(wireCost).Sub(discount),
	}
}

type wireKey struct {
	counterparty string
	currency     string
}
