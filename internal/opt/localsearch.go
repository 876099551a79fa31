package opt

import "context"

// localSearch is steepest-descent hill climbing over a sampled neighbourhood.
// It stops at the first batch without a strictly cheaper candidate.
func (s *search) localSearch(ctx context.Context, cur Solution) (Solution, error) {
	curCost := s.dm.Cost(cur)
	s.metrics.InitialCost = curCost
	for iter := 1; iter <= s.opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.metrics.Iterations = iter
		cands := Neighbors(cur, s.in, s.opts.NeighborhoodSize, s.rng)
		costs, err := s.costs(ctx, cands)
		if err != nil {
			return nil, err
		}
		bi := argmin(costs)
		if costs[bi] >= curCost {
			s.report(Progress{Iteration: iter, CurrentCost: curCost, BestCost: curCost})
			break
		}
		cur, curCost = cands[bi].Solution, costs[bi]
		s.metrics.Improvements++
		s.report(Progress{Iteration: iter, CurrentCost: curCost, BestCost: curCost})
	}
	return cur, nil
}

// argmin returns the index of the first minimum.
func argmin(xs []float64) int {
	bi := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] < xs[bi] {
			bi = i
		}
	}
	return bi
}
