package opt

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// minExpArg is the smallest Metropolis exponent evaluated; anything lower is
// treated as probability 0.
const minExpArg = -700

// metropolis accepts improvements outright and a worse move of size delta
// with probability exp(-delta/temp).
func metropolis(delta, temp float64, rng *rand.Rand) bool {
	if delta < 0 {
		return true
	}
	if temp <= 0 {
		return false
	}
	x := -delta / temp
	if x < minExpArg {
		return false
	}
	return rng.Float64() < math.Exp(x)
}

// anneal runs simulated annealing. Every perturbation is checked by Verify and
// dropped when infeasible. Temperature cools on each acceptance and once more
// after any sweep without one, so the outer loop always ends.
func (s *search) anneal(ctx context.Context, cur Solution) (Solution, error) {
	v := Verify(s.in, cur)
	if !v.Feasible {
		return nil, fmt.Errorf("%w: %v", ErrInfeasibleStart, v.Violation)
	}
	curCost := v.Cost
	s.metrics.InitialCost = curCost
	best, bestCost := cur, curCost
	temp := s.opts.InitialTemp

	for level := 1; temp > s.opts.FinalTemp; level++ {
		accepted := false
		for i := 0; i < s.opts.MaxIterations; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			s.metrics.Iterations++
			next, _ := Perturb(cur, s.in, s.rng)
			s.metrics.Evaluations++
			nv := Verify(s.in, next)
			if !nv.Feasible {
				s.metrics.Rejected++
				continue
			}
			delta := nv.Cost - curCost
			if !metropolis(delta, temp, s.rng) {
				continue
			}
			if delta > 0 {
				s.metrics.AcceptedWorse++
			}
			cur, curCost = next, nv.Cost
			temp *= s.opts.Alpha
			accepted = true
			if curCost < bestCost {
				best, bestCost = cur, curCost
				s.metrics.Improvements++
			}
		}
		if !accepted {
			temp *= s.opts.Alpha
		}
		s.report(Progress{Iteration: level, CurrentCost: curCost, BestCost: bestCost, Temperature: temp})
	}
	s.metrics.FinalTemperature = temp
	return best, nil
}
