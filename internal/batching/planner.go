package batching

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
)

// Planner partitions a chunk into batches that honor three caps: members per
// batch, per-currency liquidity for the settlement window, and
// per-counterparty exposure. Solve searches for the cheapest partition under
// a deadline; Fallback is the deterministic greedy policy used when the
// search cannot finish in time.
type Planner struct {
	fees *config.FeeTable
	cost *CostModel
	max  int
}

func NewPlanner(fees *config.FeeTable, maxBatchSize int) *Planner {
	return &Planner{fees: fees, cost: NewCostModel(fees), max: maxBatchSize}
}

// wireGroup is the packing unit: transactions of one counterparty funding in
// one currency. A group kept inside a single batch settles over one wire and
// earns the consolidation discount once it has two or more members.
type wireGroup struct {
	key     wireKey
	members []*model.TransactionIntent
	amount  decimal.Decimal
	size    int
}

func (g *wireGroup) add(t *model.TransactionIntent) {
	g.members = append(g.members, t)
	g.amount = g.amount.Add(t.Amount)
	g.size++
}

// partition splits the chunk's members into packable wire groups and the
// transactions no batch can ever hold: those whose single amount already
// breaches a liquidity or exposure cap. Groups come out ordered by the
// counterparty's first arrival, then by the currency's first arrival within
// that counterparty; members inside a group keep arrival order. Groups whose
// combined amount or size cannot fit a single batch are pre-split so that
// every emitted group fits an empty batch on its own.
func (p *Planner) partition(chunk *model.Chunk) ([]*wireGroup, []*model.TransactionIntent) {
	members := make([]*model.TransactionIntent, len(chunk.Members))
	copy(members, chunk.Members)
	sort.Slice(members, func(i, j int) bool { return members[i].ArrivalSeq < members[j].ArrivalSeq })

	window := string(chunk.Key.Window)
	var infeasible []*model.TransactionIntent
	var cpOrder []string
	ccyOrder := make(map[string][]string)
	byKey := make(map[wireKey]*wireGroup)

	for _, t := range members {
		ccy := t.ObligationCurrency()
		if t.Amount.GreaterThan(p.fees.LiquidityCap(window, ccy)) ||
			t.Amount.GreaterThan(p.fees.ExposureCap(t.CounterpartyID)) {
			infeasible = append(infeasible, t)
			continue
		}
		key := wireKey{t.CounterpartyID, ccy}
		g, ok := byKey[key]
		if !ok {
			g = &wireGroup{key: key}
			byKey[key] = g
			if _, seen := ccyOrder[key.counterparty]; !seen {
				cpOrder = append(cpOrder, key.counterparty)
			}
			ccyOrder[key.counterparty] = append(ccyOrder[key.counterparty], key.currency)
		}
		g.add(t)
	}

	var groups []*wireGroup
	for _, cp := range cpOrder {
		for _, ccy := range ccyOrder[cp] {
			groups = append(groups, p.subdivide(byKey[wireKey{cp, ccy}], window)...)
		}
	}
	return groups, infeasible
}

// subdivide breaks a group that cannot fit an empty batch into consecutive
// runs that each can. Members that survived the per-transaction cap check
// always fit alone, so the result is non-empty and covers every member.
func (p *Planner) subdivide(g *wireGroup, window string) []*wireGroup {
	limit := decimal.Min(p.fees.LiquidityCap(window, g.key.currency), p.fees.ExposureCap(g.key.counterparty))
	if g.size <= p.max && g.amount.LessThanOrEqual(limit) {
		return []*wireGroup{g}
	}
	var out []*wireGroup
	run := &wireGroup{key: g.key}
	for _, t := range g.members {
		if run.size > 0 && (run.size >= p.max || run.amount.Add(t.Amount).GreaterThan(limit)) {
			out = append(out, run)
			run = &wireGroup{key: g.key}
		}
		run.add(t)
	}
	return append(out, run)
}

// batchState tracks the cap consumption of one open batch during packing.
type batchState struct {
	members []*model.TransactionIntent
	size    int
	byCcy   map[string]decimal.Decimal
	byCp    map[string]decimal.Decimal
}

func newBatchState() *batchState {
	return &batchState{
		byCcy: make(map[string]decimal.Decimal),
		byCp:  make(map[string]decimal.Decimal),
	}
}

func (b *batchState) add(g *wireGroup) {
	b.members = append(b.members, g.members...)
	b.size += g.size
	b.byCcy[g.key.currency] = b.byCcy[g.key.currency].Add(g.amount)
	b.byCp[g.key.counterparty] = b.byCp[g.key.counterparty].Add(g.amount)
}

func (p *Planner) fits(b *batchState, g *wireGroup, window string) bool {
	if b.size+g.size > p.max {
		return false
	}
	if b.byCcy[g.key.currency].Add(g.amount).GreaterThan(p.fees.LiquidityCap(window, g.key.currency)) {
		return false
	}
	if b.byCp[g.key.counterparty].Add(g.amount).GreaterThan(p.fees.ExposureCap(g.key.counterparty)) {
		return false
	}
	return true
}

// Fallback is the deterministic greedy assignment: walk the wire groups in
// partition order and pack each into the open batch, closing it and opening
// a fresh one the moment a cap would be breached. Identical input always
// yields an identical partition and cost breakdown. Transactions that breach
// a cap on their own come back in a trailing INFEASIBLE batch.
func (p *Planner) Fallback(chunk *model.Chunk) []*model.Batch {
	groups, infeasible := p.partition(chunk)
	packs := p.greedyPack(groups, string(chunk.Key.Window))
	return p.assemble(chunk, p.statesFrom(groups, packs), infeasible, model.BatchFallback)
}

// greedyPack runs the greedy policy over wire groups and returns the packing
// as group indices per batch. The solver seeds its search with this packing,
// which is what guarantees its result never costs more than the fallback.
func (p *Planner) greedyPack(groups []*wireGroup, window string) [][]int {
	var packs [][]int
	var pack []int
	open := newBatchState()
	for i, g := range groups {
		if open.size > 0 && !p.fits(open, g, window) {
			packs = append(packs, pack)
			pack = nil
			open = newBatchState()
		}
		open.add(g)
		pack = append(pack, i)
	}
	if len(pack) > 0 {
		packs = append(packs, pack)
	}
	return packs
}

func (p *Planner) statesFrom(groups []*wireGroup, packs [][]int) []*batchState {
	states := make([]*batchState, 0, len(packs))
	for _, pack := range packs {
		st := newBatchState()
		for _, gi := range pack {
			st.add(groups[gi])
		}
		states = append(states, st)
	}
	return states
}

// assemble turns packed batch states into Batch values with deterministic
// ordinals: feasible batches are ordered by their earliest member's arrival,
// members inside each batch keep arrival order, and the infeasible remainder
// is always last with a zero cost.
func (p *Planner) assemble(chunk *model.Chunk, states []*batchState, infeasible []*model.TransactionIntent, status model.BatchStatus) []*model.Batch {
	for _, st := range states {
		members := st.members
		sort.Slice(members, func(i, j int) bool { return members[i].ArrivalSeq < members[j].ArrivalSeq })
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].members[0].ArrivalSeq < states[j].members[0].ArrivalSeq
	})

	batches := make([]*model.Batch, 0, len(states)+1)
	for i, st := range states {
		batches = append(batches, &model.Batch{
			ID:      model.BatchID(chunk.ID, i),
			ChunkID: chunk.ID.String(),
			Window:  chunk.Key.Window,
			Pair:    chunk.Key.Pair,
			Members: st.members,
			Gross:   model.GrossSubtotals(st.members),
			Cost:    p.cost.BatchCost(st.members),
			Status:  status,
		})
	}
	if len(infeasible) > 0 {
		batches = append(batches, &model.Batch{
			ID:      model.BatchID(chunk.ID, len(batches)),
			ChunkID: chunk.ID.String(),
			Window:  chunk.Key.Window,
			Pair:    chunk.Key.Pair,
			Members: infeasible,
			Gross:   model.GrossSubtotals(infeasible),
			Cost: model.CostBreakdown{
				FXSpreadCost:          decimal.Zero,
				WireCost:              decimal.Zero,
				ConsolidationDiscount: decimal.Zero,
				Total:                 decimal.Zero,
			},
			Status: model.BatchInfeasible,
		})
	}
	return batches
}
