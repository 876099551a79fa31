package opt

import (
	"context"
	"math"
)

// tabuMemory keeps recently visited signatures. list is FIFO and never
// longer than tenure; last maps a signature to the iteration it was recorded.
type tabuMemory struct {
	tenure int
	list   []Signature
	inList map[Signature]int
	last   map[Signature]int
}

func newTabuMemory(tenure int) *tabuMemory {
	return &tabuMemory{
		tenure: tenure,
		inList: make(map[Signature]int),
		last:   make(map[Signature]int),
	}
}

// eligible reports whether sig may be selected at iteration iter. A listed
// signature becomes selectable again once it is older than the tenure.
func (t *tabuMemory) eligible(sig Signature, iter int) bool {
	if t.inList[sig] == 0 {
		return true
	}
	return iter-t.last[sig] > t.tenure
}

func (t *tabuMemory) record(sig Signature, iter int) {
	t.last[sig] = iter
	t.list = append(t.list, sig)
	t.inList[sig]++
	for len(t.list) > t.tenure {
		old := t.list[0]
		t.list = t.list[1:]
		if t.inList[old]--; t.inList[old] <= 0 {
			delete(t.inList, old)
		}
	}
}

// tabu runs a fixed number of iterations. Only improving eligible candidates
// are adopted; when none exists the best eligible one (or the current
// solution) is still recorded so the search is steered away from it.
func (s *search) tabu(ctx context.Context, cur Solution) (Solution, error) {
	mem := newTabuMemory(s.opts.TabuTenure)
	curCost := s.dm.Cost(cur)
	s.metrics.InitialCost = curCost
	best, bestCost := cur, curCost
	mem.record(cur.Signature(), 0)

	for iter := 1; iter <= s.opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.metrics.Iterations = iter
		cands := Neighbors(cur, s.in, s.opts.TabuBatch, s.rng)
		costs, err := s.costs(ctx, cands)
		if err != nil {
			return nil, err
		}

		bi, bc := -1, math.Inf(1)
		for i, c := range cands {
			if !mem.eligible(c.Signature, iter) {
				s.metrics.Rejected++
				continue
			}
			if costs[i] < bc {
				bi, bc = i, costs[i]
			}
		}

		switch {
		case bi >= 0 && bc < curCost:
			cur, curCost = cands[bi].Solution, bc
			mem.record(cands[bi].Signature, iter)
			if s.adopted != nil {
				s.adopted(iter, cands[bi].Signature)
			}
			s.metrics.Improvements++
			if curCost < bestCost {
				best, bestCost = cur, curCost
			}
		case bi >= 0:
			mem.record(cands[bi].Signature, iter)
		default:
			mem.record(cur.Signature(), iter)
		}
		s.report(Progress{Iteration: iter, CurrentCost: curCost, BestCost: bestCost})
	}
	return best, nil
}
