package index

import (
	"sort"

	"github.com/google/btree"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/model"
)

// cubeAccumulator tracks one cube during weight estimation.
type cubeAccumulator struct {
	cube        core.CubeID
	count       int64
	maxAccepted core.Weight
}

// weightsBuilder runs the estimation phase over one batch (or one shard of
// it). Rows must be fed in ascending weight order; each row descends its
// container chain and the first accumulator below capacity absorbs it. The
// absorbing row's weight is the running cutoff, so when an accumulator
// reaches capacity its cutoff is exact for the replayed sample.
type weightsBuilder struct {
	capacity  int64
	maxDepth  int
	announced func(core.CubeID) bool
	tree      *btree.BTreeG[*cubeAccumulator]
}

func newWeightsBuilder(capacity int64, maxDepth int, announced func(core.CubeID) bool) *weightsBuilder {
	return &weightsBuilder{
		capacity:  capacity,
		maxDepth:  maxDepth,
		announced: announced,
		tree: btree.NewG(16, func(a, b *cubeAccumulator) bool {
			return a.cube.Compare(b.cube) < 0
		}),
	}
}

func (b *weightsBuilder) accumulator(c core.CubeID) *cubeAccumulator {
	key := &cubeAccumulator{cube: c}
	if acc, ok := b.tree.Get(key); ok {
		return acc
	}
	key.maxAccepted = core.MinWeight
	b.tree.ReplaceOrInsert(key)
	return key
}

// add replays one row. Full cubes pass the row down; announced cubes absorb
// it and pass it down anyway, keeping their subtree populated. The deepest
// cube absorbs unconditionally.
func (b *weightsBuilder) add(p core.Point, w core.Weight) {
	for c := range core.Containers(p, core.RootCube(), b.maxDepth) {
		acc := b.accumulator(c)
		atLimit := c.Depth() >= b.maxDepth
		if acc.count >= b.capacity && !atLimit {
			continue
		}
		acc.count++
		if w > acc.maxAccepted {
			acc.maxAccepted = w
		}
		if atLimit || !b.announced(c) {
			return
		}
	}
}

// estimates converts the accumulator state into per-cube threshold
// estimates, in cube pre-order.
func (b *weightsBuilder) estimates(desiredCubeSize int64) map[core.CubeID]core.NormalizedWeight {
	out := make(map[core.CubeID]core.NormalizedWeight, b.tree.Len())
	b.tree.Ascend(func(acc *cubeAccumulator) bool {
		if acc.count == 0 {
			return true
		}
		if acc.count >= b.capacity {
			out[acc.cube] = core.NormalizedFromWeight(acc.maxAccepted)
		} else {
			out[acc.cube] = core.UnfilledNormalizedWeight(desiredCubeSize, acc.count)
		}
		return true
	})
	return out
}

// sortByWeight orders the row offsets in [lo, hi) ascending by weight,
// offset as tiebreak. Rows with equal weights carry equal values, so their
// relative order cannot change any cube outcome.
func sortByWeight(weights []core.Weight, lo, hi int) []int {
	order := make([]int, hi-lo)
	for i := range order {
		order[i] = lo + i
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if weights[a] != weights[b] {
			return weights[a] < weights[b]
		}
		return a < b
	})
	return order
}

// mergeEstimates folds shard estimates together harmonically: each shard
// absorbed a fraction of the batch under a divided capacity, and fill
// fractions add.
func mergeEstimates(dst, src map[core.CubeID]core.NormalizedWeight) {
	for c, nw := range src {
		if cur, ok := dst[c]; ok {
			dst[c] = cur.Merge(nw)
		} else {
			dst[c] = nw
		}
	}
}

// mergeWithStatus merges fresh estimates into the committed cube state and
// returns the routing thresholds: committed cubes keep their weight unless
// the batch touched them, touched cubes tighten harmonically.
func mergeWithStatus(estimates map[core.CubeID]core.NormalizedWeight, status *model.IndexStatus) map[core.CubeID]core.NormalizedWeight {
	merged := make(map[core.CubeID]core.NormalizedWeight, len(estimates)+len(status.CubeStatuses))
	for c, st := range status.CubeStatuses {
		merged[c] = st.NormalizedMaxWeight
	}
	for c, nw := range estimates {
		if prior, ok := merged[c]; ok {
			merged[c] = prior.Merge(nw)
		} else {
			merged[c] = nw
		}
	}
	return merged
}
