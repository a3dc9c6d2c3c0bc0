package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWeightDeterministic(t *testing.T) {
	vals := []any{int64(42), "user-7", 3.25, true}

	w1 := HashWeight(vals)
	w2 := HashWeight([]any{int64(42), "user-7", 3.25, true})
	require.Equal(t, w1, w2, "same values must hash to the same weight")

	// Value order, value types and nil all participate in the hash.
	assert.NotEqual(t, w1, HashWeight([]any{"user-7", int64(42), 3.25, true}))
	assert.NotEqual(t, HashWeight([]any{int64(1)}), HashWeight([]any{"1"}))
	assert.NotEqual(t, HashWeight([]any{nil}), HashWeight([]any{""}))
	assert.NotEqual(t, HashWeight([]any{int64(0)}), HashWeight([]any{uint64(0)}))
}

func TestHashWeightIntWidths(t *testing.T) {
	// int, int32 and int64 of the same value are the same column value read
	// through different decoders, so they must agree.
	w := HashWeight([]any{int64(-5)})
	assert.Equal(t, w, HashWeight([]any{int(-5)}))
	assert.Equal(t, w, HashWeight([]any{int32(-5)}))
}

func TestWeightFraction(t *testing.T) {
	require.Equal(t, 0.0, MinWeight.Fraction())
	require.Equal(t, 1.0, MaxWeight.Fraction())
	assert.InDelta(t, 0.5, Weight(0).Fraction(), 1e-9)

	for _, f := range []float64{0, 0.25, 0.5, 0.75, 1} {
		w := WeightFromFraction(f)
		assert.InDelta(t, f, w.Fraction(), 1e-9, "fraction %v", f)
	}
	require.Equal(t, MinWeight, WeightFromFraction(-3))
	require.Equal(t, MaxWeight, WeightFromFraction(42))
}

func TestWeightOrdering(t *testing.T) {
	// Fraction is monotone, so threshold comparisons can happen in either
	// domain.
	ws := []Weight{MinWeight, -1000, 0, 1000, MaxWeight}
	for i := 1; i < len(ws); i++ {
		assert.Less(t, ws[i-1].Fraction(), ws[i].Fraction())
	}
}

func TestNormalizedWeightMerge(t *testing.T) {
	a := NormalizedWeight(0.5)
	b := NormalizedWeight(0.5)
	assert.InDelta(t, 0.25, float64(a.Merge(b)), 1e-12)

	// Two half-full cubes merge into exactly full.
	open := UnfilledNormalizedWeight(100, 50)
	require.Equal(t, NormalizedWeight(2.0), open)
	assert.InDelta(t, 1.0, float64(open.Merge(open)), 1e-12)

	// Merging always tightens.
	cases := []struct{ x, y NormalizedWeight }{
		{0.9, 0.1},
		{2.0, 0.5},
		{10, 10},
	}
	for _, c := range cases {
		m := c.x.Merge(c.y)
		assert.Less(t, float64(m), math.Min(float64(c.x), float64(c.y)))
	}
}

func TestNormalizedWeightToWeight(t *testing.T) {
	require.Equal(t, MaxWeight, UnfilledNormalizedWeight(1000, 10).Weight())
	require.Equal(t, MaxWeight, NormalizedWeight(1.0).Weight())

	// A cutoff survives the fraction round trip exactly.
	cutoff := NormalizedFromWeight(Weight(123456))
	require.Equal(t, Weight(123456), cutoff.Weight())
	for _, w := range []Weight{MinWeight, -987654321, -1, 0, 1, 987654321, MaxWeight - 1} {
		require.Equal(t, w, NormalizedFromWeight(w).Weight(), "weight %d", w)
	}
}
