package opt

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Distance is the Euclidean distance between two points.
func Distance(a, b orb.Point) float64 {
	return planar.Distance(a, b)
}

// DistanceMatrix caches pairwise distances for one instance. It is built once
// per solve and read concurrently afterwards.
type DistanceMatrix struct {
	depot int
	index map[int]int
	d     [][]float64
}

// NewDistanceMatrix builds the symmetric matrix over every node of the instance.
func NewDistanceMatrix(in Instance) *DistanceMatrix {
	ids := sortedKeys(in.Nodes)
	m := &DistanceMatrix{
		depot: in.Depot,
		index: make(map[int]int, len(ids)),
		d:     make([][]float64, len(ids)),
	}
	for i, id := range ids {
		m.index[id] = i
		m.d[i] = make([]float64, len(ids))
	}
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			dist := Distance(in.Nodes[ids[i]], in.Nodes[ids[j]])
			m.d[i][j] = dist
			m.d[j][i] = dist
		}
	}
	return m
}

// Between returns the distance between two node ids. Both ids must belong to
// the instance the matrix was built from; an unknown id panics.
func (m *DistanceMatrix) Between(a, b int) float64 {
	return m.d[m.slot(a)][m.slot(b)]
}

func (m *DistanceMatrix) slot(id int) int {
	i, ok := m.index[id]
	if !ok {
		panic(fmt.Sprintf("opt: node %d is not in the distance matrix", id))
	}
	return i
}

// RouteCost is the depot-closed tour length of one route. An empty route costs 0.
func (m *DistanceMatrix) RouteCost(r Route) float64 {
	if len(r) == 0 {
		return 0
	}
	total := m.Between(m.depot, r[0])
	for i := 0; i < len(r)-1; i++ {
		total += m.Between(r[i], r[i+1])
	}
	return total + m.Between(r[len(r)-1], m.depot)
}

// Cost sums RouteCost over every route. It does not check feasibility.
func (m *DistanceMatrix) Cost(s Solution) float64 {
	total := 0.0
	for _, r := range s {
		total += m.RouteCost(r)
	}
	return total
}
