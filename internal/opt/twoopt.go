package opt

// maxTwoOptPasses caps improvement sweeps per route.
const maxTwoOptPasses = 50

// PolishRoutes applies 2-opt to each route independently. Route membership
// and therefore loads never change; only visit order does.
func PolishRoutes(sol Solution, dm *DistanceMatrix) Solution {
	out := make(Solution, len(sol))
	for i, r := range sol {
		out[i] = ImproveRoute2Opt(r, dm, maxTwoOptPasses)
	}
	return out
}

// ImproveRoute2Opt reverses segments of a depot-closed route while that
// shortens it. The input route is not modified.
func ImproveRoute2Opt(r Route, dm *DistanceMatrix, passes int) Route {
	if passes <= 0 {
		passes = 1
	}
	best := append(Route{}, r...)
	if len(best) < 3 {
		return best
	}
	bestDist := dm.RouteCost(best)
	n := len(best)
	for it := 0; it < passes; it++ {
		improved := false
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				d := dm.RouteCost(cand)
				if d+1e-9 < bestDist {
					best = cand
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(r Route, i, k int) Route {
	out := make(Route, len(r))
	copy(out, r[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = r[j]
		pos++
	}
	copy(out[pos:], r[k+1:])
	return out
}
