package model

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvrpnav/internal/opt"
)

func square() opt.Instance {
	return opt.Instance{
		Nodes:    map[int]orb.Point{0: {0, 0}, 1: {1, 0}, 2: {2, 0}, 3: {0, 1}, 4: {0, 2}},
		Demands:  map[int]int{1: 10, 2: 10, 3: 10, 4: 10},
		Capacity: 20,
		Trucks:   2,
	}
}

func TestFormatSolution(t *testing.T) {
	got := FormatSolution(opt.Solution{{1, 2}, {}, {3, 4}}, 8.4)
	assert.Equal(t, "Route #1: 1 2\nRoute #2: 3 4\nCost 8\n", got)
}

func TestVerifyResponseFrom(t *testing.T) {
	in := square()
	bad := VerifyResponseFrom(in, opt.Verify(in, opt.Solution{{1, 2}, {2, 3}}))
	assert.False(t, bad.Feasible)
	require.NotNil(t, bad.Violation)
	assert.Equal(t, "duplicate_visit", bad.Violation.Kind)
	require.NotNil(t, bad.Violation.Route)
	assert.Equal(t, 2, *bad.Violation.Route)
	require.NotNil(t, bad.Violation.Node)
	assert.Equal(t, 2, *bad.Violation.Node)

	best := 8.0
	in.OptimalValue = &best
	ok := VerifyResponseFrom(in, opt.Verify(in, opt.Solution{{1, 2}, {3, 4}}))
	assert.True(t, ok.Feasible)
	require.NotNil(t, ok.Proximity)
	assert.InDelta(t, 0, *ok.Proximity, 1e-9)
	assert.Nil(t, ok.Violation)
}

func TestTruckMismatchHasNoRoute(t *testing.T) {
	in := square()
	resp := VerifyResponseFrom(in, opt.Verify(in, opt.Solution{{1, 2, 3, 4}}))
	require.NotNil(t, resp.Violation)
	assert.Equal(t, "truck_count_mismatch", resp.Violation.Kind)
	assert.Nil(t, resp.Violation.Route)
	assert.Equal(t, 2, resp.Violation.Expected)
	assert.Equal(t, 1, resp.Violation.Got)
}

func TestRoutesGeoJSON(t *testing.T) {
	fc := RoutesGeoJSON(square(), opt.Solution{{1, 2}, {}, {3, 4}})
	require.Len(t, fc.Features, 3)
	assert.Equal(t, "depot", fc.Features[0].Properties["kind"])

	route := fc.Features[1]
	ls, ok := route.Geometry.(orb.LineString)
	require.True(t, ok)
	assert.Len(t, ls, 4)
	assert.InDelta(t, 4.0, route.Properties["length"].(float64), 1e-9)
	assert.Equal(t, 20, route.Properties["load"])

	b, err := json.Marshal(fc)
	require.NoError(t, err)
	back, err := geojson.UnmarshalFeatureCollection(b)
	require.NoError(t, err)
	assert.Len(t, back.Features, 3)
}

func TestInstanceJSONRoundTrip(t *testing.T) {
	body := []byte(`{"name":"tiny","nodes":{"0":[0,0],"1":[3,4]},"demands":{"1":5},"capacity":10}`)
	var in opt.Instance
	require.NoError(t, json.Unmarshal(body, &in))
	require.NoError(t, in.Validate())
	assert.Equal(t, orb.Point{3, 4}, in.Nodes[1])
	assert.Equal(t, []int{1}, in.Customers())
}
