package write

import (
	"context"
	"slices"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/index"
	"github.com/arejula27/otree/keeper"
	"github.com/arejula27/otree/model"
)

// Analyzer picks the cubes an optimization pass should work on next and
// announces them. Only filled cubes qualify: an unfilled cube accepts every
// incoming row anyway, so announcing it would change nothing, and skipping
// unfilled cubes is what ends the descent at sparse leaves. Announcement
// moves outward from the root: a cube becomes a candidate once every
// ancestor holding rows has been replicated, so reads never lose a
// shallower cube's rows before its copies exist below.
type Analyzer struct {
	keeper keeper.Keeper
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(k keeper.Keeper) *Analyzer {
	return &Analyzer{keeper: k}
}

// Analyze announces up to limit frontier cubes and returns them, shallowest
// first. A table with nothing left to announce returns an empty list.
func (a *Analyzer) Analyze(ctx context.Context, status *model.IndexStatus, limit int) ([]core.CubeID, error) {
	if status == nil || status.Revision == nil {
		return nil, index.ErrNoRevision
	}
	if limit <= 0 {
		return nil, nil
	}

	var candidates []core.CubeID
	for cube, st := range status.CubeStatuses {
		if st.ElementCount == 0 || !st.Filled() || status.AnnouncedOrReplicated(cube) {
			continue
		}
		if !onFrontier(status, cube) {
			continue
		}
		candidates = append(candidates, cube)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	slices.SortFunc(candidates, func(a, b core.CubeID) int {
		if d := a.Depth() - b.Depth(); d != 0 {
			return d
		}
		return a.Compare(b)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	rev := status.Revision
	if err := a.keeper.Announce(ctx, rev.Table, rev.ID, candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// onFrontier reports whether cube's parent no longer needs to be read by
// queries descending into cube: it is the root, its parent was replicated,
// or its parent never held rows.
func onFrontier(status *model.IndexStatus, cube core.CubeID) bool {
	parent, ok := cube.Parent()
	if !ok {
		return true
	}
	if status.Replicated.Contains(parent) {
		return true
	}
	return status.CubeStatuses[parent].ElementCount == 0
}
