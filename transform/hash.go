package transform

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/arejula27/otree/core"
)

// KindHash is the registered kind name of hash transformations.
const KindHash = "hash"

const hashSeed = "otree/transform/hash/v1"

func init() {
	Register(KindHash, func(data []byte) (Transformation, error) {
		var t HashTransformation
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return t, nil
	})
}

// HashTransformer indexes an unordered column (strings, ids, categories) by
// hashing values uniformly onto [0,1). Range queries over the column are
// meaningless; equality pruning still works because equal values land in
// equal coordinates.
type HashTransformer struct {
	Column string
}

// ColumnName implements Transformer.
func (t *HashTransformer) ColumnName() string { return t.Column }

// Kind implements Transformer.
func (t *HashTransformer) Kind() string { return KindHash }

// Transformation implements Transformer. Hashing needs no statistics and the
// same transformation covers every revision.
func (t *HashTransformer) Transformation(ColumnStats) (Transformation, error) {
	return HashTransformation{}, nil
}

// HashTransformation hashes raw values onto [0,1) with the same seed-stable
// value framing the row weights use. It has no bounds, so every value is in
// domain and Merge is the identity.
type HashTransformation struct{}

// Kind implements Transformation.
func (HashTransformation) Kind() string { return KindHash }

// Transform implements Transformation.
func (HashTransformation) Transform(v any) float64 {
	h := core.HashValues(hashSeed, []any{v})
	// Top 53 bits give a uniform float in [0,1).
	f := float64(h>>11) / float64(uint64(1)<<53)
	if f >= 1 {
		return math.Nextafter(1, 0)
	}
	return f
}

// InDomain implements Transformation.
func (HashTransformation) InDomain(any) bool { return true }

// Merge implements Transformation.
func (t HashTransformation) Merge(other Transformation) (Transformation, error) {
	if other.Kind() != KindHash {
		return nil, fmt.Errorf("%w: %s with %s", ErrIncompatible, t.Kind(), other.Kind())
	}
	return t, nil
}
