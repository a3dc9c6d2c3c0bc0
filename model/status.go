package model

import (
	"github.com/arejula27/otree/core"
)

// CubeStatus is the committed state of one cube: its current threshold
// carried as a NormalizedWeight (values > 1 encode an unfilled cube's
// occupancy) and the number of rows it holds.
type CubeStatus struct {
	NormalizedMaxWeight core.NormalizedWeight
	ElementCount        int64
}

// Filled reports whether the cube fixed a weight cutoff or holds at least
// its desired share of rows. An unfilled cube is still open to every
// incoming row.
func (s CubeStatus) Filled() bool { return s.NormalizedMaxWeight < 1 }

// IndexStatus is the committed index state a write pass starts from: the
// active revision, per-cube statuses, and the announced / replicated sets
// the keeper and the physical layout agree on. It is rebuilt from committed
// IndexFile metadata, never persisted itself.
type IndexStatus struct {
	Revision     *Revision
	CubeStatuses map[core.CubeID]CubeStatus
	Announced    CubeSet
	Replicated   CubeSet
}

// NewIndexStatus returns the empty status of a fresh revision.
func NewIndexStatus(rev *Revision) *IndexStatus {
	return &IndexStatus{
		Revision:     rev,
		CubeStatuses: map[core.CubeID]CubeStatus{},
		Announced:    NewCubeSet(),
		Replicated:   NewCubeSet(),
	}
}

// CubeNormalizedWeight returns the committed threshold of c, if any.
func (s *IndexStatus) CubeNormalizedWeight(c core.CubeID) (core.NormalizedWeight, bool) {
	st, ok := s.CubeStatuses[c]
	if !ok {
		return 0, false
	}
	return st.NormalizedMaxWeight, true
}

// AnnouncedOrReplicated reports whether c must stay open for deeper routing.
func (s *IndexStatus) AnnouncedOrReplicated(c core.CubeID) bool {
	return s.Announced.Contains(c) || s.Replicated.Contains(c)
}

// StatusFromFiles rebuilds the status of rev from committed file metadata.
// Blocks of other revisions are skipped. A replicated block holds copies
// pushed down from the cube's parent, so it contributes rows to its own
// cube and marks the parent replicated.
func StatusFromFiles(rev *Revision, files []IndexFile) *IndexStatus {
	s := NewIndexStatus(rev)

	type agg struct {
		count     int64
		maxWeight core.Weight
	}
	cubes := map[core.CubeID]agg{}
	for _, f := range files {
		for _, b := range f.Blocks {
			if b.RevisionID != rev.ID {
				continue
			}
			a, ok := cubes[b.Cube]
			if !ok {
				a.maxWeight = core.MinWeight
			}
			a.count += b.ElementCount
			if b.MaxWeight > a.maxWeight {
				a.maxWeight = b.MaxWeight
			}
			cubes[b.Cube] = a
			if b.Replicated {
				if parent, ok := b.Cube.Parent(); ok {
					s.Replicated.Add(parent)
				}
			}
		}
	}

	for c, a := range cubes {
		nw := core.NormalizedFromWeight(a.maxWeight)
		if a.maxWeight == core.MaxWeight && a.count > 0 {
			// No cutoff was fixed: the cube is open, keep its occupancy.
			nw = core.UnfilledNormalizedWeight(rev.DesiredCubeSize, a.count)
		}
		s.CubeStatuses[c] = CubeStatus{NormalizedMaxWeight: nw, ElementCount: a.count}
	}
	return s
}
