package model

import (
	"slices"

	"github.com/arejula27/otree/core"
)

// TableID is the globally unique identifier of an indexed table.
type TableID string

// Row is one table row as the indexer sees it: the raw values of the indexed
// columns in transformer order, plus the encoded remainder of the row, which
// the index stores but never interprets.
type Row struct {
	Values  []any
	Payload []byte
}

// CubeSet is a set of cubes keyed by path.
type CubeSet map[core.CubeID]struct{}

// NewCubeSet builds a set from the given cubes.
func NewCubeSet(cubes ...core.CubeID) CubeSet {
	s := make(CubeSet, len(cubes))
	for _, c := range cubes {
		s[c] = struct{}{}
	}
	return s
}

// Add inserts c into the set.
func (s CubeSet) Add(c core.CubeID) { s[c] = struct{}{} }

// Contains reports whether c is in the set.
func (s CubeSet) Contains(c core.CubeID) bool {
	_, ok := s[c]
	return ok
}

// Union adds every cube of o to the set.
func (s CubeSet) Union(o CubeSet) {
	for c := range o {
		s[c] = struct{}{}
	}
}

// Clone returns an independent copy.
func (s CubeSet) Clone() CubeSet {
	out := make(CubeSet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Sorted returns the cubes in pre-order, for deterministic iteration.
func (s CubeSet) Sorted() []core.CubeID {
	out := make([]core.CubeID, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	slices.SortFunc(out, core.CubeID.Compare)
	return out
}
