package poolstate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oriys/mechanic/internal/archive"
	"github.com/oriys/mechanic/internal/board"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/registry"
)

// countingDispatcher stands in for the master's RunGeneration, counting
// calls so tests can assert the stage loop advanced the right number of
// times without spinning up a real transport/worker fleet.
type countingDispatcher struct {
	calls int
}

func (d *countingDispatcher) RunGeneration(ctx context.Context, poolID, stage int, b *board.Board) error {
	d.calls++
	return nil
}

func newTestArc(t *testing.T) *archive.Archive {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.h5")
	a, err := archive.Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Identify("test", "1.0"))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRunFinalizesAfterOneStageByDefault(t *testing.T) {
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	reg := registry.New(&registry.Module{Name: "test"})
	dispatcher := &countingDispatcher{}
	m := New(reg, newTestArc(t), dispatcher, dims)

	action, err := m.Run(context.Background(), 0, board.New(dims))
	require.NoError(t, err)
	require.Equal(t, registry.PoolFinalize, action)
	require.Equal(t, 1, dispatcher.calls)
}

func TestRunLoopsStagesUntilFinalize(t *testing.T) {
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	stage := 0
	module := &registry.Module{
		Name: "test",
		PoolProcess: func(ctx context.Context, poolID, s int) (registry.PoolAction, error) {
			stage = s
			if s < 2 {
				return registry.PoolStage, nil
			}
			return registry.PoolFinalize, nil
		},
	}
	reg := registry.New(module)
	dispatcher := &countingDispatcher{}
	m := New(reg, newTestArc(t), dispatcher, dims)

	action, err := m.Run(context.Background(), 0, board.New(dims))
	require.NoError(t, err)
	require.Equal(t, registry.PoolFinalize, action)
	require.Equal(t, 2, stage)
	require.Equal(t, 3, dispatcher.calls)
}

func TestRunAllAdvancesPoolsOnCreateNew(t *testing.T) {
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	module := &registry.Module{
		Name: "test",
		PoolProcess: func(ctx context.Context, poolID, stage int) (registry.PoolAction, error) {
			if poolID < 2 {
				return registry.PoolCreateNew, nil
			}
			return registry.PoolFinalize, nil
		},
	}
	reg := registry.New(module)
	dispatcher := &countingDispatcher{}
	m := New(reg, newTestArc(t), dispatcher, dims)

	var built []int
	newBoard := func(poolID int) *board.Board {
		built = append(built, poolID)
		return board.New(dims)
	}

	require.NoError(t, m.RunAll(context.Background(), 0, newBoard))
	require.Equal(t, []int{0, 1, 2}, built)
	require.Equal(t, 3, dispatcher.calls)
}

func TestRunCommitsPoolCounters(t *testing.T) {
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	stage := 0
	module := &registry.Module{
		Name: "test",
		PoolProcess: func(ctx context.Context, poolID, s int) (registry.PoolAction, error) {
			stage = s
			if s < 1 {
				return registry.PoolStage, nil
			}
			return registry.PoolFinalize, nil
		},
	}
	reg := registry.New(module)
	arc := newTestArc(t)
	dispatcher := &countingDispatcher{}
	m := New(reg, arc, dispatcher, dims)

	action, err := m.Run(context.Background(), 0, board.New(dims))
	require.NoError(t, err)
	require.Equal(t, registry.PoolFinalize, action)
	require.Equal(t, 1, stage)

	var sid int
	require.NoError(t, arc.ReadAttribute(0, "", "SID", &sid))
	require.Equal(t, 1, sid)
	var status string
	require.NoError(t, arc.ReadAttribute(0, "", "Status", &status))
	require.Equal(t, "PROCESSED", status)
}

func TestRunResumesAtRecoveredCounters(t *testing.T) {
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	seen := []int{}
	module := &registry.Module{
		Name: "test",
		PoolProcess: func(ctx context.Context, poolID, s int) (registry.PoolAction, error) {
			seen = append(seen, s)
			return registry.PoolFinalize, nil
		},
	}
	reg := registry.New(module)
	m := New(reg, newTestArc(t), &countingDispatcher{}, dims)
	m.ResumeFrom(0, 3, 4)

	action, err := m.Run(context.Background(), 0, board.New(dims))
	require.NoError(t, err)
	require.Equal(t, registry.PoolFinalize, action)
	require.Equal(t, []int{4}, seen) // sid starts at the resumed value, not 0
}

func TestRunAllStopsAtFinalizeWithoutBuildingNextBoard(t *testing.T) {
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	reg := registry.New(&registry.Module{Name: "test"})
	dispatcher := &countingDispatcher{}
	m := New(reg, newTestArc(t), dispatcher, dims)

	var built []int
	newBoard := func(poolID int) *board.Board {
		built = append(built, poolID)
		return board.New(dims)
	}

	require.NoError(t, m.RunAll(context.Background(), 0, newBoard))
	require.Equal(t, []int{0}, built)
}
