package keeper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/model"
)

const testTable = model.TableID("events")

func childCubes(n int) []core.CubeID {
	cubes := make([]core.CubeID, 0, n)
	for i := 0; i < n; i++ {
		cubes = append(cubes, core.RootCube().Child(byte(i)))
	}
	return cubes
}

func TestBeginWriteSnapshotsAnnounced(t *testing.T) {
	ctx := context.Background()
	k := NewMemory()

	require.NoError(t, k.Announce(ctx, testTable, 1, childCubes(2)))

	s, err := k.BeginWrite(ctx, testTable, 1)
	require.NoError(t, err)
	assert.Len(t, s.Announced, 2)

	// The snapshot is the caller's copy.
	s.Announced.Add(core.RootCube().Child(7))

	s2, err := k.BeginWrite(ctx, testTable, 1)
	require.NoError(t, err)
	assert.Len(t, s2.Announced, 2)

	require.NoError(t, s.End(ctx))
	require.NoError(t, s2.End(ctx))
}

func TestAnnounceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	k := NewMemory()

	require.NoError(t, k.Announce(ctx, testTable, 1, childCubes(3)))
	require.NoError(t, k.Announce(ctx, testTable, 1, childCubes(1)))
	require.NoError(t, k.Announce(ctx, testTable, 1, []core.CubeID{core.RootCube()}))

	s, err := k.BeginWrite(ctx, testTable, 1)
	require.NoError(t, err)

	want := model.NewCubeSet()
	want.Add(core.RootCube())
	for _, c := range childCubes(3) {
		want.Add(c)
	}
	assert.Equal(t, want, s.Announced)
}

func TestOptimizationReservationsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	k := NewMemory()

	eligible := childCubes(8)
	require.NoError(t, k.Announce(ctx, testTable, 1, eligible))

	first, err := k.BeginOptimization(ctx, testTable, 1, 5)
	require.NoError(t, err)
	require.Len(t, first.CubesToOptimize, 5)
	assert.Equal(t, eligible[:5], first.CubesToOptimize, "reservations follow tree order")

	second, err := k.BeginOptimization(ctx, testTable, 1, 5)
	require.NoError(t, err)
	require.Len(t, second.CubesToOptimize, 3)
	assert.Equal(t, eligible[5:], second.CubesToOptimize)

	third, err := k.BeginOptimization(ctx, testTable, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, third.CubesToOptimize)

	require.NoError(t, first.End(ctx, first.CubesToOptimize))
	require.NoError(t, second.End(ctx, second.CubesToOptimize))
	require.NoError(t, third.End(ctx, nil))

	// Everything replicated, nothing left to reserve.
	again, err := k.BeginOptimization(ctx, testTable, 1, 8)
	require.NoError(t, err)
	assert.Empty(t, again.CubesToOptimize)
}

func TestOptimizationEndWithoutReplication(t *testing.T) {
	ctx := context.Background()
	k := NewMemory()

	require.NoError(t, k.Announce(ctx, testTable, 1, childCubes(4)))

	s, err := k.BeginOptimization(ctx, testTable, 1, 4)
	require.NoError(t, err)
	require.Len(t, s.CubesToOptimize, 4)

	// The pass aborted after reserving; its cubes become eligible again.
	require.NoError(t, s.End(ctx, nil))

	retry, err := k.BeginOptimization(ctx, testTable, 1, 4)
	require.NoError(t, err)
	assert.Len(t, retry.CubesToOptimize, 4)
}

func TestOptimizationPartialReplication(t *testing.T) {
	ctx := context.Background()
	k := NewMemory()

	cubes := childCubes(4)
	require.NoError(t, k.Announce(ctx, testTable, 1, cubes))

	s, err := k.BeginOptimization(ctx, testTable, 1, 4)
	require.NoError(t, err)
	require.NoError(t, s.End(ctx, cubes[:2]))

	retry, err := k.BeginOptimization(ctx, testTable, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, cubes[2:], retry.CubesToOptimize)
}

func TestSessionEndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	k := NewMemory()

	cubes := childCubes(2)
	require.NoError(t, k.Announce(ctx, testTable, 1, cubes))

	s, err := k.BeginOptimization(ctx, testTable, 1, 2)
	require.NoError(t, err)
	require.NoError(t, s.End(ctx, cubes))
	require.NoError(t, s.End(ctx, nil))

	// The second End changed nothing: both cubes stay replicated.
	again, err := k.BeginOptimization(ctx, testTable, 1, 2)
	require.NoError(t, err)
	assert.Empty(t, again.CubesToOptimize)
}

func TestRevisionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	k := NewMemory()

	require.NoError(t, k.Announce(ctx, testTable, 1, childCubes(3)))

	s, err := k.BeginWrite(ctx, testTable, 2)
	require.NoError(t, err)
	assert.Empty(t, s.Announced)

	opt, err := k.BeginOptimization(ctx, testTable, 2, 5)
	require.NoError(t, err)
	assert.Empty(t, opt.CubesToOptimize)
}
