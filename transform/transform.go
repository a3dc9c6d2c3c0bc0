// Package transform maps raw column values onto the normalized [0,1) space
// the index partitions. A Transformer describes one indexed column for the
// lifetime of the table; a Transformation is the immutable, revision-scoped
// mapping built from observed value bounds. Values that fall outside a
// transformation's domain force a new revision with widened bounds, never a
// silent clamp (unless the column is explicitly configured to clamp).
package transform

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned when decoding references a transformation
	// kind no package has registered.
	ErrUnknownKind = errors.New("unknown transformation kind")

	// ErrIncompatible is returned when two transformations of different
	// kinds or columns are merged.
	ErrIncompatible = errors.New("incompatible transformations")
)

// Transformation maps raw values of one column into [0,1). Implementations
// are immutable; revising bounds produces a new value via Merge.
type Transformation interface {
	// Kind returns the registered kind name used for serialization.
	Kind() string

	// Transform maps v into [0,1). It is total: values outside the domain
	// still produce a coordinate (clamped), because domain violations are
	// handled at revision granularity before rows are transformed.
	Transform(v any) float64

	// InDomain reports whether v is covered by this transformation. A false
	// result means the caller must revise before indexing the batch.
	InDomain(v any) bool

	// Merge folds another transformation of the same kind into a superset:
	// the result's domain covers both inputs.
	Merge(other Transformation) (Transformation, error)
}

// ColumnStats carries the per-batch aggregates a Transformer needs to build
// or widen a transformation. Min and Max hold raw column values; they are
// ignored by transformers that do not order their domain.
type ColumnStats struct {
	Min any
	Max any
}

// Transformer describes one indexed column. It is configured once per table
// and builds the revision-scoped Transformation for each revision.
type Transformer interface {
	// ColumnName returns the table column this transformer indexes.
	ColumnName() string

	// Kind returns the registered kind name of the transformations it builds.
	Kind() string

	// Transformation builds a mapping covering the given batch statistics.
	Transformation(stats ColumnStats) (Transformation, error)
}

// Revise widens each transformation that does not cover the corresponding
// batch statistics. It returns the widened set and whether anything changed;
// when changed is false the returned slice is the input slice.
func Revise(current []Transformation, transformers []Transformer, stats []ColumnStats) (revised []Transformation, changed bool, err error) {
	if len(current) != len(transformers) || len(current) != len(stats) {
		return nil, false, fmt.Errorf("%w: %d transformations, %d transformers, %d stats",
			ErrIncompatible, len(current), len(transformers), len(stats))
	}
	revised = current
	for i, tr := range current {
		if tr.InDomain(stats[i].Min) && tr.InDomain(stats[i].Max) {
			continue
		}
		observed, err := transformers[i].Transformation(stats[i])
		if err != nil {
			return nil, false, err
		}
		widened, err := tr.Merge(observed)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			revised = append([]Transformation(nil), current...)
			changed = true
		}
		revised[i] = widened
	}
	return revised, changed, nil
}
