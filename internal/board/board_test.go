package board

import (
	"testing"

	"github.com/oriys/mechanic/internal/layout"
	"github.com/stretchr/testify/require"
)

func dims() layout.BoardDims { return layout.BoardDims{X: 2, Y: 2, Z: 1} }

func TestNewBoardAllAvailable(t *testing.T) {
	b := New(dims())
	counts := b.CountByStatus()
	require.Equal(t, 4, counts[Available])
}

func TestClaimFinishLifecycle(t *testing.T) {
	b := New(dims())
	loc := layout.Location{X: 0, Y: 0, Z: 0}
	require.NoError(t, b.Claim(loc, 3))

	cell, err := b.Get(loc)
	require.NoError(t, err)
	require.Equal(t, InUse, cell.Status)
	require.EqualValues(t, 3, cell.Owner)

	require.NoError(t, b.Finish(loc, 9))
	cell, err = b.Get(loc)
	require.NoError(t, err)
	require.Equal(t, Finished, cell.Status)
	require.EqualValues(t, 9, cell.CheckpointID)
}

func TestClaimAlreadyInUseFails(t *testing.T) {
	b := New(dims())
	loc := layout.Location{X: 0, Y: 0, Z: 0}
	require.NoError(t, b.Claim(loc, 1))
	err := b.Claim(loc, 2)
	require.ErrorIs(t, err, ErrCellNotAvailable)
}

func TestOutOfBounds(t *testing.T) {
	b := New(dims())
	_, err := b.Get(layout.Location{X: 5, Y: 0, Z: 0})
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestMarkRestartCellsAreDispatchable(t *testing.T) {
	b := New(dims())
	loc := layout.Location{X: 1, Y: 1, Z: 0}
	require.NoError(t, b.MarkRestart(loc, 4))
	cell, _ := b.Get(loc)
	require.Equal(t, ToBeRestarted, cell.Status)
	require.Equal(t, 1, b.DispatchableCount())

	require.NoError(t, b.Claim(loc, 7))
	cell, _ = b.Get(loc)
	require.Equal(t, InUse, cell.Status)
	require.EqualValues(t, 7, cell.Owner)
}

func TestNextAvailableRowMajorOrder(t *testing.T) {
	b := New(dims())
	require.NoError(t, b.Claim(layout.Location{X: 0, Y: 0, Z: 0}, 0))
	loc, ok := b.NextAvailable()
	require.True(t, ok)
	require.Equal(t, layout.Location{X: 1, Y: 0, Z: 0}, loc)
}

func TestNextAvailablePrefersAvailableOverToBeRestarted(t *testing.T) {
	b := New(dims())
	require.NoError(t, b.Claim(layout.Location{X: 0, Y: 0, Z: 0}, 0))
	require.NoError(t, b.Claim(layout.Location{X: 1, Y: 0, Z: 0}, 0))
	require.NoError(t, b.MarkRestart(layout.Location{X: 0, Y: 0, Z: 0}, 2))

	loc, ok := b.NextAvailable()
	require.True(t, ok)
	require.Equal(t, layout.Location{X: 0, Y: 1, Z: 0}, loc, "still-AVAILABLE cells are dispatched before TO_BE_RESTARTED ones")
}

func TestApplyMaskNormalPolicy(t *testing.T) {
	b := New(dims())
	mapFn := func(tid int) layout.Location { return layout.DefaultTaskBoardMap(b.Dims(), tid) }
	enabled := func(tid int) (bool, error) { return tid%2 == 0, nil }
	require.NoError(t, b.ApplyMask(b.Dims().PoolSize(), 0, mapFn, enabled))

	counts := b.CountByStatus()
	require.Equal(t, 2, counts[Available])
	require.Equal(t, 2, counts[Finished])
	require.Equal(t, 2, b.Completed())
}

func TestApplyMaskReversedPolicyOpensOnlyMaskSize(t *testing.T) {
	b := New(dims())
	mapFn := func(tid int) layout.Location { return layout.DefaultTaskBoardMap(b.Dims(), tid) }
	enabled := func(tid int) (bool, error) { return true, nil }
	require.NoError(t, b.ApplyMask(b.Dims().PoolSize(), 1, mapFn, enabled))

	counts := b.CountByStatus()
	require.Equal(t, 1, counts[Available])
	require.Equal(t, 3, counts[Finished])
	require.Equal(t, 3, b.Completed())
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	b := New(dims())
	require.NoError(t, b.Claim(layout.Location{X: 0, Y: 0, Z: 0}, 2))
	snap := b.Snapshot()

	b2 := New(dims())
	require.NoError(t, b2.Load(snap))
	cell, err := b2.Get(layout.Location{X: 0, Y: 0, Z: 0})
	require.NoError(t, err)
	require.Equal(t, InUse, cell.Status)
}
