package core

import (
	"fmt"
)

// Point is a row's normalized coordinate vector, one entry per indexed
// column, each in [0, 1). Points are produced by the revision's column
// transformations and consumed by cube descent.
type Point []float64

// Dimensions returns the number of coordinates.
func (p Point) Dimensions() int { return len(p) }

// Validate checks the coordinate count and range.
func (p Point) Validate() error {
	if len(p) == 0 || len(p) > MaxDimensions {
		return fmt.Errorf("point has %d coordinates, want 1..%d", len(p), MaxDimensions)
	}
	for i, v := range p {
		if v < 0 || v >= 1 {
			return fmt.Errorf("coordinate %d = %v outside [0,1)", i, v)
		}
	}
	return nil
}

// digitAt computes the child-selector digit at the given depth: for each
// dimension, one bit saying whether the coordinate falls in the upper half of
// the depth-level cell containing it.
func (p Point) digitAt(depth int) byte {
	var digit byte
	scale := float64(uint64(1) << uint(depth+1))
	for i, v := range p {
		if uint64(v*scale)&1 == 1 {
			digit |= 1 << uint(i)
		}
	}
	return digit
}
