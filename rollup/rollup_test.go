package rollup

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/model"
	"github.com/arejula27/otree/transform"
)

func changesWithCounts(t *testing.T, desired int64, counts map[core.CubeID]int64) *model.TableChanges {
	t.Helper()
	lin := &transform.LinearTransformer{Column: "x"}
	tx, err := lin.Transformation(transform.ColumnStats{Min: 0.0, Max: 1.0})
	require.NoError(t, err)
	rev := model.NewRevision("t", desired, []transform.Transformation{tx})
	return &model.TableChanges{Revision: rev, CubeCounts: counts}
}

// seqIDs returns a deterministic identifier source.
func seqIDs() func() uuid.UUID {
	var n byte
	return func() uuid.UUID {
		n++
		return uuid.UUID{15: n}
	}
}

func TestRollupAccumulatesInPreOrder(t *testing.T) {
	r := core.RootCube()
	changes := changesWithCounts(t, 100, map[core.CubeID]int64{
		r:          60,
		r.Child(0): 30,
		r.Child(1): 20,
		r.Child(2): 50,
	})

	res := compute(changes, seqIDs())

	require.Len(t, res.Groups, 2)
	assert.Equal(t, []core.CubeID{r, r.Child(0), r.Child(1)}, res.Groups[0].Cubes)
	assert.Equal(t, int64(110), res.Groups[0].ElementCount)
	assert.Equal(t, []core.CubeID{r.Child(2)}, res.Groups[1].Cubes)
	assert.Equal(t, int64(50), res.Groups[1].ElementCount)

	assert.Equal(t, res.Groups[0].ID, res.ByCube[r.Child(1)])
	assert.Equal(t, res.Groups[1].ID, res.ByCube[r.Child(2)])
}

func TestRollupOversizedCubeOwnGroup(t *testing.T) {
	r := core.RootCube()
	changes := changesWithCounts(t, 100, map[core.CubeID]int64{
		r:          50,
		r.Child(0): 250,
		r.Child(1): 30,
	})

	res := compute(changes, seqIDs())

	require.Len(t, res.Groups, 3)
	assert.Equal(t, []core.CubeID{r}, res.Groups[0].Cubes)
	assert.Equal(t, []core.CubeID{r.Child(0)}, res.Groups[1].Cubes)
	assert.Equal(t, int64(250), res.Groups[1].ElementCount)
	assert.Equal(t, []core.CubeID{r.Child(1)}, res.Groups[2].Cubes)
}

func TestRollupCoverage(t *testing.T) {
	r := core.RootCube()
	counts := map[core.CubeID]int64{}
	// A lopsided tree with a zero-count cube sprinkled in.
	for i := byte(0); i < 4; i++ {
		counts[r.Child(i)] = int64(i) * 37
		counts[r.Child(i).Child(0)] = 11
		counts[r.Child(i).Child(1).Child(1)] = 93
	}
	counts[r] = 5
	changes := changesWithCounts(t, 100, counts)

	res := Compute(changes)

	for c, n := range counts {
		_, ok := res.ByCube[c]
		if n > 0 {
			assert.True(t, ok, "counted cube %s missing from mapping", c.String())
		} else {
			assert.False(t, ok, "zero-count cube %s must be skipped", c.String())
		}
	}

	// Each cube belongs to exactly one group.
	seen := map[core.CubeID]int{}
	var total int64
	for _, g := range res.Groups {
		for _, c := range g.Cubes {
			seen[c]++
		}
		total += g.ElementCount
	}
	for c, n := range seen {
		assert.Equal(t, 1, n, "cube %s in %d groups", c.String(), n)
	}
	var want int64
	for _, n := range counts {
		want += n
	}
	assert.Equal(t, want, total)
}

func TestRollupIdempotent(t *testing.T) {
	r := core.RootCube()
	counts := map[core.CubeID]int64{r: 80}
	for i := byte(0); i < 4; i++ {
		counts[r.Child(i)] = int64(13*i + 7)
		counts[r.Child(i).Child(3)] = 40
	}
	changes := changesWithCounts(t, 100, counts)

	a := compute(changes, seqIDs())
	b := compute(changes, seqIDs())

	assert.Equal(t, a.ByCube, b.ByCube)
	require.Equal(t, len(a.Groups), len(b.Groups))
	for i := range a.Groups {
		assert.Equal(t, a.Groups[i].Cubes, b.Groups[i].Cubes)
		assert.Equal(t, a.Groups[i].ElementCount, b.Groups[i].ElementCount)
	}
}

func TestRollupGroupCountNearTarget(t *testing.T) {
	r := core.RootCube()
	counts := map[core.CubeID]int64{}
	var total int64
	for i := byte(0); i < 8; i++ {
		for j := byte(0); j < 8; j++ {
			n := int64(10 + int(i)*3 + int(j))
			counts[r.Child(i).Child(j)] = n
			total += n
		}
	}
	changes := changesWithCounts(t, 100, counts)

	res := Compute(changes)

	// Groups overshoot the target by at most one cube's worth of rows, so
	// the file count stays near total/desired.
	want := total / 100
	got := int64(len(res.Groups))
	assert.GreaterOrEqual(t, got, want-2, fmt.Sprintf("%d rows in %d groups", total, got))
	assert.LessOrEqual(t, got, want+2)
}
