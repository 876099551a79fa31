package model

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"cvrpnav/internal/opt"
)

// RoutesGeoJSON draws every non-empty route as a depot-closed LineString with
// its index, load and length as properties, plus a Point for the depot.
func RoutesGeoJSON(in opt.Instance, sol opt.Solution) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	depot := in.Nodes[in.Depot]

	df := geojson.NewFeature(depot)
	df.Properties["kind"] = "depot"
	df.Properties["node"] = in.Depot
	fc.Append(df)

	for i, r := range sol {
		if len(r) == 0 {
			continue
		}
		ls := make(orb.LineString, 0, len(r)+2)
		ls = append(ls, depot)
		for _, id := range r {
			ls = append(ls, in.Nodes[id])
		}
		ls = append(ls, depot)

		f := geojson.NewFeature(ls)
		f.Properties["kind"] = "route"
		f.Properties["route"] = i + 1
		f.Properties["nodes"] = []int(r)
		f.Properties["load"] = r.Load(in.Demands)
		f.Properties["length"] = planar.Length(ls)
		fc.Append(f)
	}
	return fc
}
