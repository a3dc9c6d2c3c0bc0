package model

import (
	"slices"

	"github.com/arejula27/otree/core"
)

// TableChanges is the delta one write or optimization pass produced. It
// lives from estimation to commit and is discarded whole afterwards; on a
// commit conflict nothing of it may be reused.
type TableChanges struct {
	// Revision the batch was indexed under. IsNewRevision marks a widened
	// revision the commit must also record.
	Revision      *Revision
	IsNewRevision bool

	// CubeWeights holds the estimated max weight per written cube;
	// CubeCounts the rows this pass routed into each cube.
	CubeWeights map[core.CubeID]core.Weight
	CubeCounts  map[core.CubeID]int64

	// Announced snapshots the keeper's announced-or-replicated set the pass
	// ran under.
	Announced CubeSet

	// DeltaReplicated lists cubes this optimization pass replicated.
	DeltaReplicated []core.CubeID
}

// CubeWeight returns the estimated weight of c, defaulting to the open
// MaxWeight sentinel for cubes the pass never bounded.
func (tc *TableChanges) CubeWeight(c core.CubeID) core.Weight {
	if w, ok := tc.CubeWeights[c]; ok {
		return w
	}
	return core.MaxWeight
}

// WrittenCubes returns the cubes this pass routed rows into, in pre-order.
func (tc *TableChanges) WrittenCubes() []core.CubeID {
	out := make([]core.CubeID, 0, len(tc.CubeCounts))
	for c := range tc.CubeCounts {
		out = append(out, c)
	}
	slices.SortFunc(out, core.CubeID.Compare)
	return out
}
