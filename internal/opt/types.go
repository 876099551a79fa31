// Package opt holds the CVRP solver family: construction heuristics, the
// relocate/swap neighbourhood, local search, tabu search, simulated annealing
// and the verifier every one of them answers to.
package opt

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Instance is an immutable CVRP problem definition.
type Instance struct {
	Name         string            `json:"name,omitempty"`
	Nodes        map[int]orb.Point `json:"nodes"`
	Demands      map[int]int       `json:"demands"`
	Capacity     int               `json:"capacity"`
	Depot        int               `json:"depot"`
	Trucks       int               `json:"trucks,omitempty"`       // 0 = unconstrained route count
	OptimalValue *float64          `json:"optimalValue,omitempty"` // reference cost, informational only

	// ExcludeSentinel drops the highest-numbered customer from the must-visit
	// set. Some instance sets carry a phantom last node left over from 1-based
	// indexing; with the flag set that node must not be routed at all.
	ExcludeSentinel bool `json:"excludeSentinel,omitempty"`
}

// Validate reports structural problems. Every returned error wraps ErrMalformedInstance.
func (in Instance) Validate() error {
	if in.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be > 0, got %d", ErrMalformedInstance, in.Capacity)
	}
	if in.Trucks < 0 {
		return fmt.Errorf("%w: trucks must be >= 0, got %d", ErrMalformedInstance, in.Trucks)
	}
	if _, ok := in.Nodes[in.Depot]; !ok {
		return fmt.Errorf("%w: depot %d has no coordinates", ErrMalformedInstance, in.Depot)
	}
	for _, id := range sortedKeys(in.Demands) {
		if in.Demands[id] < 0 {
			return fmt.Errorf("%w: node %d has negative demand %d", ErrMalformedInstance, id, in.Demands[id])
		}
		if _, ok := in.Nodes[id]; !ok {
			return fmt.Errorf("%w: demand given for node %d without coordinates", ErrMalformedInstance, id)
		}
	}
	for _, id := range sortedKeys(in.Nodes) {
		if id == in.Depot {
			continue
		}
		if _, ok := in.Demands[id]; !ok {
			return fmt.Errorf("%w: node %d has no demand", ErrMalformedInstance, id)
		}
	}
	return nil
}

// Customers returns the must-visit node ids in ascending order.
func (in Instance) Customers() []int {
	out := make([]int, 0, len(in.Nodes))
	for _, id := range sortedKeys(in.Nodes) {
		if id != in.Depot {
			out = append(out, id)
		}
	}
	if in.ExcludeSentinel && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out
}

// Sentinel returns the excluded node id, if any.
func (in Instance) Sentinel() (int, bool) {
	if !in.ExcludeSentinel {
		return 0, false
	}
	ids := sortedKeys(in.Nodes)
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] != in.Depot {
			return ids[i], true
		}
	}
	return 0, false
}

// Route is the ordered customer sequence of one vehicle. The depot is implicit
// at both ends.
type Route []int

// Solution is one route per vehicle.
type Solution []Route

// Clone deep-copies the solution.
func (s Solution) Clone() Solution {
	out := make(Solution, len(s))
	for i, r := range s {
		out[i] = slices.Clone(r)
		if out[i] == nil {
			out[i] = Route{}
		}
	}
	return out
}

// Load sums the demands carried on a route.
func (r Route) Load(demands map[int]int) int {
	total := 0
	for _, id := range r {
		total += demands[id]
	}
	return total
}

// Signature is a canonical, hashable form of a solution. Routes keep their
// visit order; the list of routes is sorted since route order never changes cost.
type Signature string

// Signature computes the canonical form.
func (s Solution) Signature() Signature {
	parts := make([]string, len(s))
	var b strings.Builder
	for i, r := range s {
		b.Reset()
		for j, id := range r {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(id))
		}
		parts[i] = b.String()
	}
	sort.Strings(parts)
	return Signature(strings.Join(parts, "|"))
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
