package batching

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/pkg/metrics"
)

// ErrSolverTimeout reports that the search ran out of budget before proving
// optimality. The caller invokes Fallback instead; partial search results
// are discarded rather than returned half-proven.
var ErrSolverTimeout = errors.New("cost solver exceeded its time budget")

// Solve finds the cheapest partition of the chunk into cap-honoring batches.
// FX spread is invariant under packing, so the search minimizes the variable
// part of the objective: one wire per (counterparty, currency) group per
// batch, minus the consolidation discount for every such group that keeps
// two or more transactions together. The search is branch and bound over
// group placements, seeded with the greedy packing as incumbent, which makes
// the returned cost at most the fallback cost. Deadline and cancellation
// come from ctx; exceeding either returns ErrSolverTimeout.
func (p *Planner) Solve(ctx context.Context, chunk *model.Chunk) ([]*model.Batch, error) {
	start := time.Now()
	defer func() {
		metrics.SolverDuration.Observe(time.Since(start).Seconds())
	}()

	groups, infeasible := p.partition(chunk)
	window := string(chunk.Key.Window)

	s := &search{
		p:         p,
		ctx:       ctx,
		window:    window,
		groups:    groups,
		wire:      p.fees.WirePrice,
		disc:      p.cost.WireDiscount(),
		present:   make(map[wireKey]int),
		remaining: make(map[wireKey]int),
	}
	for _, g := range groups {
		s.remaining[g.key]++
	}

	incumbent := p.greedyPack(groups, window)
	s.best = s.packCost(incumbent)
	s.bestPacks = incumbent
	s.cost = decimal.Zero

	if ctx.Err() != nil {
		s.stopped = true
	} else if len(groups) > 0 {
		s.explore(0)
	}
	if s.stopped {
		metrics.SolverOutcomes.WithLabelValues("timeout").Inc()
		return nil, ErrSolverTimeout
	}

	metrics.SolverOutcomes.WithLabelValues("optimal").Inc()
	states := p.statesFrom(groups, s.bestPacks)
	return p.assemble(chunk, states, infeasible, model.BatchOptimal), nil
}

// search carries the mutable state of one branch-and-bound run. Batches on
// the current path are mutated in place on descent and restored on return.
type search struct {
	p      *Planner
	ctx    context.Context
	window string
	groups []*wireGroup

	wire decimal.Decimal
	disc decimal.Decimal

	open      []*searchBatch
	cost      decimal.Decimal
	present   map[wireKey]int // open batches currently holding the key
	remaining map[wireKey]int // unplaced groups per key

	best      decimal.Decimal
	bestPacks [][]int

	nodes   uint64
	stopped bool
}

type searchBatch struct {
	size   int
	byCcy  map[string]decimal.Decimal
	byCp   map[string]decimal.Decimal
	keyCnt map[wireKey]int
	groups []int
}

func (s *search) explore(i int) {
	if s.stopped {
		return
	}
	s.nodes++
	if s.nodes&255 == 0 && s.ctx.Err() != nil {
		s.stopped = true
		return
	}
	if i == len(s.groups) {
		if s.cost.LessThan(s.best) {
			s.best = s.cost
			s.bestPacks = s.snapshot()
		}
		return
	}
	if s.cost.Add(s.bound()).GreaterThanOrEqual(s.best) {
		return
	}

	g := s.groups[i]
	s.remaining[g.key]--

	for _, b := range s.open {
		if s.batchFits(b, g) {
			delta := s.place(b, g, i)
			s.explore(i + 1)
			s.unplace(b, g, delta)
			if s.stopped {
				s.remaining[g.key]++
				return
			}
		}
	}

	// A fresh batch always admits the group: partition pre-split every
	// group to fit an empty batch. One new-batch branch is enough; empty
	// batches are interchangeable.
	b := &searchBatch{
		byCcy:  make(map[string]decimal.Decimal),
		byCp:   make(map[string]decimal.Decimal),
		keyCnt: make(map[wireKey]int),
	}
	s.open = append(s.open, b)
	delta := s.place(b, g, i)
	s.explore(i + 1)
	s.unplace(b, g, delta)
	s.open = s.open[:len(s.open)-1]

	s.remaining[g.key]++
}

// bound is an admissible estimate of the cheapest possible cost of all
// unplaced groups. Every unplaced group might merge into a batch that
// already wires its key, paying nothing and earning a discount, so each
// counts -d; a key wired nowhere yet must buy at least one wire first.
func (s *search) bound() decimal.Decimal {
	floor := decimal.Zero
	for key, n := range s.remaining {
		if n <= 0 {
			continue
		}
		floor = floor.Sub(s.disc.Mul(decimal.NewFromInt(int64(n))))
		if s.present[key] == 0 {
			floor = floor.Add(s.wire)
		}
	}
	return floor
}

func (s *search) batchFits(b *searchBatch, g *wireGroup) bool {
	if b.size+g.size > s.p.max {
		return false
	}
	if b.byCcy[g.key.currency].Add(g.amount).GreaterThan(s.p.fees.LiquidityCap(s.window, g.key.currency)) {
		return false
	}
	if b.byCp[g.key.counterparty].Add(g.amount).GreaterThan(s.p.fees.ExposureCap(g.key.counterparty)) {
		return false
	}
	return true
}

func (s *search) place(b *searchBatch, g *wireGroup, gi int) decimal.Decimal {
	delta := decimal.Zero
	cnt := b.keyCnt[g.key]
	if cnt == 0 {
		delta = delta.Add(s.wire)
		s.present[g.key]++
	}
	if cnt < 2 && cnt+g.size >= 2 {
		delta = delta.Sub(s.disc)
	}
	b.keyCnt[g.key] = cnt + g.size
	b.size += g.size
	b.byCcy[g.key.currency] = b.byCcy[g.key.currency].Add(g.amount)
	b.byCp[g.key.counterparty] = b.byCp[g.key.counterparty].Add(g.amount)
	b.groups = append(b.groups, gi)
	s.cost = s.cost.Add(delta)
	return delta
}

func (s *search) unplace(b *searchBatch, g *wireGroup, delta decimal.Decimal) {
	s.cost = s.cost.Sub(delta)
	b.groups = b.groups[:len(b.groups)-1]
	b.byCp[g.key.counterparty] = b.byCp[g.key.counterparty].Sub(g.amount)
	b.byCcy[g.key.currency] = b.byCcy[g.key.currency].Sub(g.amount)
	b.size -= g.size
	b.keyCnt[g.key] -= g.size
	if b.keyCnt[g.key] == 0 {
		s.present[g.key]--
	}
}

func (s *search) snapshot() [][]int {
	packs := make([][]int, 0, len(s.open))
	for _, b := range s.open {
		packs = append(packs, append([]int(nil), b.groups...))
	}
	return packs
}

// packCost prices a packing's variable cost: wires minus discounts.
func (s *search) packCost(packs [][]int) decimal.Decimal {
	total := decimal.Zero
	for _, pack := range packs {
		counts := make(map[wireKey]int)
		for _, gi := range pack {
			counts[s.groups[gi].key] += s.groups[gi].size
		}
		total = total.Add(s.wire.Mul(decimal.NewFromInt(int64(len(counts)))))
		for _, n := range counts {
			if n >= 2 {
				total = total.Sub(s.disc)
			}
		}
	}
	return total
}
