package opt

import (
	"errors"
	"fmt"
)

// Configuration errors. These abort a solve.
var (
	ErrMalformedInstance     = errors.New("opt: malformed instance")
	ErrCapacityUnsatisfiable = errors.New("opt: customer demand exceeds vehicle capacity")
	ErrInfeasibleStart       = errors.New("opt: starting solution is infeasible")
	ErrInvalidOptions        = errors.New("opt: invalid options")
)

// Feasibility violation kinds reported by Verify. Search engines treat them as
// rejected candidates, never as failures.
var (
	ErrTruckCountMismatch = errors.New("truck count mismatch")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrDuplicateVisit     = errors.New("duplicate visit")
	ErrIncompleteCoverage = errors.New("incomplete coverage")
	ErrUnexpectedVisit    = errors.New("unexpected visit")
)

// Violation describes why a solution is infeasible.
type Violation struct {
	Kind     error
	Route    int // index of the offending route, -1 when not route specific
	Node     int
	Load     int
	Capacity int
	Expected int
	Got      int
	Missing  []int
}

func (v *Violation) Error() string {
	switch v.Kind {
	case ErrTruckCountMismatch:
		return fmt.Sprintf("%v: expected %d trucks, got %d", v.Kind, v.Expected, v.Got)
	case ErrCapacityExceeded:
		return fmt.Sprintf("%v: route %d carries %d, capacity is %d", v.Kind, v.Route+1, v.Load, v.Capacity)
	case ErrDuplicateVisit:
		return fmt.Sprintf("%v: customer %d visited more than once (route %d)", v.Kind, v.Node, v.Route+1)
	case ErrUnexpectedVisit:
		return fmt.Sprintf("%v: node %d is not a customer to serve (route %d)", v.Kind, v.Node, v.Route+1)
	case ErrIncompleteCoverage:
		return fmt.Sprintf("%v: missing customers %v", v.Kind, v.Missing)
	}
	return fmt.Sprint(v.Kind)
}

func (v *Violation) Unwrap() error { return v.Kind }
