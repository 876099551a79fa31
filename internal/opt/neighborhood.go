package opt

import (
	"math/rand"
	"slices"
)

// Move identifies the perturbation that produced a candidate.
type Move int

const (
	MoveNone Move = iota
	MoveRelocate
	MoveSwap
)

func (m Move) String() string {
	switch m {
	case MoveRelocate:
		return "relocate"
	case MoveSwap:
		return "swap"
	}
	return "none"
}

// Candidate is one neighbour of the current solution.
type Candidate struct {
	Solution  Solution
	Signature Signature
	Move      Move
}

// attemptsPerNeighbor bounds Neighbors when the neighbourhood holds fewer
// distinct solutions than requested.
const attemptsPerNeighbor = 50

// Perturb applies one random relocate or swap between two distinct routes.
// Both moves keep every route within capacity. When neither fits, the
// unchanged solution comes back with MoveNone. The input is never modified;
// untouched routes are shared with the result.
func Perturb(sol Solution, in Instance, rng *rand.Rand) (Solution, Move) {
	if len(sol) < 2 {
		return sol, MoveNone
	}
	a := rng.Intn(len(sol))
	b := rng.Intn(len(sol) - 1)
	if b >= a {
		b++
	}

	first, second := relocate, swap
	if rng.Intn(2) == 1 {
		first, second = swap, relocate
	}
	if out, mv, ok := first(sol, in, a, b, rng); ok {
		return out, mv
	}
	if out, mv, ok := second(sol, in, a, b, rng); ok {
		return out, mv
	}
	return sol, MoveNone
}

// relocate moves a random customer of route a to a random position in route b.
func relocate(sol Solution, in Instance, a, b int, rng *rand.Rand) (Solution, Move, bool) {
	donor, receiver := sol[a], sol[b]
	if len(donor) == 0 {
		return nil, MoveNone, false
	}
	i := rng.Intn(len(donor))
	node := donor[i]
	if receiver.Load(in.Demands)+in.Demands[node] > in.Capacity {
		return nil, MoveNone, false
	}
	pos := rng.Intn(len(receiver) + 1)

	out := slices.Clone(sol)
	out[a] = slices.Delete(slices.Clone(donor), i, i+1)
	out[b] = slices.Insert(slices.Clone(receiver), pos, node)
	return out, MoveRelocate, true
}

// swap exchanges one random customer of route a with one of route b, each
// taking the other's position.
func swap(sol Solution, in Instance, a, b int, rng *rand.Rand) (Solution, Move, bool) {
	ra, rb := sol[a], sol[b]
	if len(ra) == 0 || len(rb) == 0 {
		return nil, MoveNone, false
	}
	i, j := rng.Intn(len(ra)), rng.Intn(len(rb))
	na, nb := ra[i], rb[j]
	delta := in.Demands[nb] - in.Demands[na]
	if ra.Load(in.Demands)+delta > in.Capacity || rb.Load(in.Demands)-delta > in.Capacity {
		return nil, MoveNone, false
	}

	out := slices.Clone(sol)
	out[a] = slices.Clone(ra)
	out[b] = slices.Clone(rb)
	out[a][i], out[b][j] = nb, na
	return out, MoveSwap, true
}

// Neighbors draws up to k perturbations that are distinct by signature and
// differ from sol itself. The result is never empty: if no move applies, the
// unchanged solution is the sole candidate.
func Neighbors(sol Solution, in Instance, k int, rng *rand.Rand) []Candidate {
	if k < 1 {
		k = 1
	}
	self := sol.Signature()
	seen := make(map[Signature]struct{}, k+1)
	seen[self] = struct{}{}
	out := make([]Candidate, 0, k)
	limit := k * attemptsPerNeighbor
	for attempt := 0; len(out) < k && attempt < limit; attempt++ {
		next, mv := Perturb(sol, in, rng)
		if mv == MoveNone {
			continue
		}
		sig := next.Signature()
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, Candidate{Solution: next, Signature: sig, Move: mv})
	}
	if len(out) == 0 {
		out = append(out, Candidate{Solution: sol, Signature: self, Move: MoveNone})
	}
	return out
}
