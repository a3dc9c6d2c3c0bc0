package index

import (
	"github.com/arejula27/otree/core"
)

// pointRouter assigns rows their final cubes against merged thresholds. It
// is read-only after construction and safe for concurrent use.
type pointRouter struct {
	weights   map[core.CubeID]core.Weight
	announced func(core.CubeID) bool
	maxDepth  int
}

func newPointRouter(merged map[core.CubeID]core.NormalizedWeight, announced func(core.CubeID) bool, maxDepth int) *pointRouter {
	weights := make(map[core.CubeID]core.Weight, len(merged))
	for c, nw := range merged {
		weights[c] = nw.Weight()
	}
	return &pointRouter{weights: weights, announced: announced, maxDepth: maxDepth}
}

// route descends p's container chain from the given cube and returns every
// cube that claims the row. A cube claims when its threshold covers w or
// when it lies outside the estimated tree entirely. Announced cubes claim
// and keep descending, so the row lands in its post-optimization cube too;
// all but the first claim are duplicated placements. overflow reports that
// the depth limit forced the final placement.
func (r *pointRouter) route(p core.Point, w core.Weight, from core.CubeID) (claims []core.CubeID, overflow bool) {
	for c := range core.Containers(p, from, r.maxDepth) {
		threshold, ok := r.weights[c]
		if !ok {
			return append(claims, c), false
		}
		if w <= threshold {
			claims = append(claims, c)
			if !r.announced(c) {
				return claims, false
			}
		}
		if c.Depth() >= r.maxDepth {
			if len(claims) == 0 || claims[len(claims)-1] != c {
				claims = append(claims, c)
				return claims, true
			}
			return claims, false
		}
	}
	return claims, false
}
