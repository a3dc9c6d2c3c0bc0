// Package rollup turns per-cube element counts into output file groups.
//
// A depth-first pre-order walk over the counted cubes accumulates
// consecutive cubes until the desired cube size is reached, then closes the
// group under a fresh synthetic identifier. Small cubes ride along inside an
// ancestor's or preceding sibling's group; an oversized cube always forms a
// group of its own. The result is a flat cube-to-group table, so the write
// path never walks ancestors per row.
package rollup

import (
	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/model"
)

// Group is one output file's worth of cubes.
type Group struct {
	// ID is the synthetic group identifier, fresh per computation.
	ID uuid.UUID

	// Cubes lists the member cubes in pre-order.
	Cubes []core.CubeID

	// ElementCount is the total rows the group will hold.
	ElementCount int64
}

// Result is the rollup of one pass's TableChanges.
type Result struct {
	// Groups in pre-order of their first cube.
	Groups []Group

	// ByCube maps every counted cube to its group. Coverage is total: a
	// missing entry for a counted cube is a programming error, and callers
	// treat it as such rather than falling back to ancestor walks.
	ByCube map[core.CubeID]uuid.UUID
}

// Compute groups the changes' counted cubes into output groups near the
// revision's desired cube size.
func Compute(changes *model.TableChanges) *Result {
	return compute(changes, uuid.New)
}

// compute is Compute with an injectable identifier source.
func compute(changes *model.TableChanges, newID func() uuid.UUID) *Result {
	desired := changes.Revision.DesiredCubeSize

	type counted struct {
		cube  core.CubeID
		count int64
	}
	tree := btree.NewG(16, func(a, b counted) bool {
		return a.cube.Compare(b.cube) < 0
	})
	for c, n := range changes.CubeCounts {
		if n <= 0 {
			continue
		}
		tree.ReplaceOrInsert(counted{cube: c, count: n})
	}

	res := &Result{ByCube: make(map[core.CubeID]uuid.UUID, tree.Len())}

	var pending []core.CubeID
	var acc int64
	emit := func(cubes []core.CubeID, count int64) {
		g := Group{ID: newID(), Cubes: cubes, ElementCount: count}
		for _, c := range cubes {
			res.ByCube[c] = g.ID
		}
		res.Groups = append(res.Groups, g)
	}

	tree.Ascend(func(it counted) bool {
		if it.count >= desired {
			// An oversized cube forms its own group; whatever accumulated
			// before it closes first, keeping groups contiguous runs.
			if len(pending) > 0 {
				emit(pending, acc)
				pending, acc = nil, 0
			}
			emit([]core.CubeID{it.cube}, it.count)
			return true
		}
		pending = append(pending, it.cube)
		acc += it.count
		if acc >= desired {
			emit(pending, acc)
			pending, acc = nil, 0
		}
		return true
	})
	if len(pending) > 0 {
		emit(pending, acc)
	}
	return res
}
