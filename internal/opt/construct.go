package opt

import (
	"fmt"
	"math"
	"math/rand"
)

// Construction selects the seed solution builder.
type Construction string

const (
	ConstructionGreedy     Construction = "greedy"
	ConstructionRandomFill Construction = "random-fill"
)

// ConstructGreedy builds routes by repeatedly appending the nearest unvisited
// customer that still fits. Candidates are scanned in ascending id order and
// the first minimum wins, so the result is deterministic.
func ConstructGreedy(in Instance) (Solution, error) {
	if err := checkDemands(in); err != nil {
		return nil, err
	}
	unvisited := in.Customers()
	var sol Solution
	for len(unvisited) > 0 {
		route := Route{}
		load := 0
		last := in.Nodes[in.Depot]
		for {
			best, bestDist := -1, math.Inf(1)
			for i, id := range unvisited {
				if load+in.Demands[id] > in.Capacity {
					continue
				}
				if d := Distance(last, in.Nodes[id]); d < bestDist {
					best, bestDist = i, d
				}
			}
			if best < 0 {
				break
			}
			id := unvisited[best]
			route = append(route, id)
			load += in.Demands[id]
			last = in.Nodes[id]
			unvisited = append(unvisited[:best], unvisited[best+1:]...)
		}
		sol = append(sol, route)
	}
	return padRoutes(sol, in.Trucks), nil
}

// ConstructRandomFill shuffles the customers and deals them out in order,
// filling up to Trucks routes while the next customer fits and opening extra
// routes for whatever is left. Every route respects capacity; the route count
// may exceed Trucks when the shuffle packs badly.
func ConstructRandomFill(in Instance, rng *rand.Rand) (Solution, error) {
	if err := checkDemands(in); err != nil {
		return nil, err
	}
	pending := in.Customers()
	rng.Shuffle(len(pending), func(i, j int) { pending[i], pending[j] = pending[j], pending[i] })

	var sol Solution
	for len(pending) > 0 {
		route := Route{}
		load := 0
		for len(pending) > 0 && load+in.Demands[pending[0]] <= in.Capacity {
			load += in.Demands[pending[0]]
			route = append(route, pending[0])
			pending = pending[1:]
		}
		sol = append(sol, route)
	}
	return padRoutes(sol, in.Trucks), nil
}

// Construct dispatches on the construction kind.
func Construct(in Instance, kind Construction, rng *rand.Rand) (Solution, error) {
	switch kind {
	case "", ConstructionGreedy:
		return ConstructGreedy(in)
	case ConstructionRandomFill:
		return ConstructRandomFill(in, rng)
	}
	return nil, fmt.Errorf("%w: unknown construction %q", ErrInvalidOptions, kind)
}

func checkDemands(in Instance) error {
	for _, id := range in.Customers() {
		if in.Demands[id] > in.Capacity {
			return fmt.Errorf("%w: customer %d demands %d, capacity is %d",
				ErrCapacityUnsatisfiable, id, in.Demands[id], in.Capacity)
		}
	}
	return nil
}

func padRoutes(sol Solution, trucks int) Solution {
	for len(sol) < trucks {
		sol = append(sol, Route{})
	}
	if sol == nil {
		sol = Solution{}
	}
	return sol
}
