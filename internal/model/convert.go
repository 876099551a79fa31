package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"cvrpnav/internal/opt"
)

// VerifyResponseFrom converts a verdict into its wire form.
func VerifyResponseFrom(in opt.Instance, v opt.Verdict) VerifyResponse {
	out := VerifyResponse{Feasible: v.Feasible, Cost: v.Cost, Message: v.Message}
	if v.Feasible && in.OptimalValue != nil {
		p := opt.Proximity(*in.OptimalValue, v.Cost)
		out.Proximity = &p
	}
	if v.Violation != nil {
		out.Violation = violationFrom(v.Violation)
	}
	return out
}

func violationFrom(v *opt.Violation) *Violation {
	out := &Violation{
		Kind:     ViolationKind(v.Kind),
		Load:     v.Load,
		Capacity: v.Capacity,
		Expected: v.Expected,
		Got:      v.Got,
		Missing:  v.Missing,
	}
	if v.Route >= 0 {
		r := v.Route + 1
		out.Route = &r
	}
	switch {
	case errors.Is(v.Kind, opt.ErrDuplicateVisit), errors.Is(v.Kind, opt.ErrCapacityExceeded), errors.Is(v.Kind, opt.ErrUnexpectedVisit):
		n := v.Node
		out.Node = &n
	}
	return out
}

// ViolationKind maps a violation sentinel to a stable machine-readable name.
func ViolationKind(kind error) string {
	switch {
	case errors.Is(kind, opt.ErrTruckCountMismatch):
		return "truck_count_mismatch"
	case errors.Is(kind, opt.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(kind, opt.ErrDuplicateVisit):
		return "duplicate_visit"
	case errors.Is(kind, opt.ErrIncompleteCoverage):
		return "incomplete_coverage"
	case errors.Is(kind, opt.ErrUnexpectedVisit):
		return "unexpected_visit"
	}
	return "unknown"
}

// FormatSolution renders the .sol text form: one "Route #k: ids" line per
// non-empty route, then "Cost <n>" with the cost rounded to an integer.
func FormatSolution(sol opt.Solution, cost float64) string {
	var b strings.Builder
	k := 0
	for _, r := range sol {
		if len(r) == 0 {
			continue
		}
		k++
		fmt.Fprintf(&b, "Route #%d:", k)
		for _, id := range r {
			b.WriteByte(' ')
			b.WriteString(strconv.Itoa(id))
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Cost %d\n", int64(math.Round(cost)))
	return b.String()
}
