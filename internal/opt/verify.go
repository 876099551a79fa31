package opt

import (
	"errors"
	"fmt"
)

// Verdict is the verifier's answer. Cost is 0 whenever Feasible is false.
type Verdict struct {
	Feasible  bool
	Cost      float64
	Message   string
	Violation *Violation
}

// Err returns the violation as an error, or nil for a feasible solution.
func (v Verdict) Err() error {
	if v.Violation == nil {
		return nil
	}
	return v.Violation
}

// Verify checks capacity, single visits, full coverage and, when the instance
// fixes it, the route count, and computes the total Euclidean cost straight
// from the coordinates. It is the single source of truth for feasibility.
func Verify(in Instance, sol Solution) Verdict {
	if in.Trucks > 0 && len(sol) != in.Trucks {
		return infeasible(&Violation{Kind: ErrTruckCountMismatch, Route: -1, Expected: in.Trucks, Got: len(sol)})
	}

	required := make(map[int]struct{}, len(in.Nodes))
	for _, id := range in.Customers() {
		required[id] = struct{}{}
	}

	visited := make(map[int]struct{}, len(required))
	depot := in.Nodes[in.Depot]
	total := 0.0
	for ri, route := range sol {
		load := 0
		prev := depot
		for _, node := range route {
			if _, seen := visited[node]; seen {
				return infeasible(&Violation{Kind: ErrDuplicateVisit, Route: ri, Node: node})
			}
			if _, ok := required[node]; !ok {
				return infeasible(&Violation{Kind: ErrUnexpectedVisit, Route: ri, Node: node})
			}
			visited[node] = struct{}{}
			load += in.Demands[node]
			if load > in.Capacity {
				return infeasible(&Violation{Kind: ErrCapacityExceeded, Route: ri, Node: node, Load: load, Capacity: in.Capacity})
			}
			p := in.Nodes[node]
			total += Distance(prev, p)
			prev = p
		}
		total += Distance(prev, depot)
	}

	if len(visited) != len(required) {
		var missing []int
		for _, id := range in.Customers() {
			if _, ok := visited[id]; !ok {
				missing = append(missing, id)
			}
		}
		return infeasible(&Violation{Kind: ErrIncompleteCoverage, Route: -1, Missing: missing})
	}

	msg := fmt.Sprintf("solution is valid with a total cost of %.2f", total)
	if in.OptimalValue != nil {
		msg = fmt.Sprintf("solution is valid and the total cost is %.2f (optimal %.2f, gap %.2f%%)",
			total, *in.OptimalValue, Proximity(*in.OptimalValue, total))
	}
	return Verdict{Feasible: true, Cost: total, Message: msg}
}

func infeasible(v *Violation) Verdict {
	return Verdict{Feasible: false, Cost: 0, Message: "invalid solution: " + v.Error(), Violation: v}
}

// IsViolation reports whether err is one of the verifier's feasibility kinds.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Proximity is the absolute percentage deviation of cost from an optimal
// reference. A zero reference yields 0 rather than a division fault.
func Proximity(optimal, cost float64) float64 {
	if optimal == 0 {
		return 0
	}
	d := optimal - cost
	if d < 0 {
		d = -d
	}
	return d / optimal * 100
}
