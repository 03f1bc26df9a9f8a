package restart

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/oriys/mechanic/internal/archive"
	"github.com/oriys/mechanic/internal/board"
	"github.com/oriys/mechanic/internal/checkpoint"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	arc, err := archive.Open(path)
	require.NoError(t, err)
	defer arc.Close()
	require.NoError(t, arc.Identify("mod", "1.0"))

	r := New(arc, registry.New(&registry.Module{}), layout.BoardDims{X: 1, Y: 1, Z: 1}, false)
	require.Error(t, r.Validate("other", "1.0"))
	require.NoError(t, r.Validate("mod", "1.0"))
}

func TestRestoreAllReclassifiesInUseCells(t *testing.T) {
	dims := layout.BoardDims{X: 2, Y: 1, Z: 1}
	path := filepath.Join(t.TempDir(), "run.h5")
	arc, err := archive.Open(path)
	require.NoError(t, err)
	defer arc.Close()
	require.NoError(t, arc.Identify("mod", "1.0"))
	require.NoError(t, arc.CreatePool(0))

	b := board.New(dims)
	require.NoError(t, b.Claim(layout.Location{X: 0}, 1)) // left IN_USE, simulating a crash
	require.NoError(t, b.Finish(layout.Location{X: 1}, 5))

	s := &layout.Schema{Name: "result", Rank: 2, Dims: []int{1, 1}, Datatype: layout.DatatypeInt, Discipline: layout.Board}
	eng := checkpoint.New(arc, []*layout.Schema{s}, dims, checkpoint.Config{ArchivePath: path, NoBackup: true, BatchSize: 1})
	require.NoError(t, arc.CommitDataset(0, s, layout.PoolDims(s, dims), make([]byte, 8)))
	require.NoError(t, eng.Flush(0, b))

	r := New(arc, registry.New(&registry.Module{}), dims, false)
	states, err := r.RestoreAll(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)

	cell, err := states[0].Board.Get(layout.Location{X: 0})
	require.NoError(t, err)
	require.Equal(t, board.ToBeRestarted, cell.Status)

	cell, err = states[0].Board.Get(layout.Location{X: 1})
	require.NoError(t, err)
	require.Equal(t, board.Finished, cell.Status)
}

func TestRestoreAllReadsBackPoolCounters(t *testing.T) {
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	path := filepath.Join(t.TempDir(), "run.h5")
	arc, err := archive.Open(path)
	require.NoError(t, err)
	defer arc.Close()
	require.NoError(t, arc.Identify("mod", "1.0"))
	require.NoError(t, arc.CreatePool(0))
	require.NoError(t, arc.CommitAttribute(0, "", layout.Attribute{Name: "RID", Value: 2}))
	require.NoError(t, arc.CommitAttribute(0, "", layout.Attribute{Name: "SID", Value: 5}))
	require.NoError(t, arc.CommitAttribute(0, "", layout.Attribute{Name: "SRID", Value: 1}))

	b := board.New(dims)
	require.NoError(t, b.Finish(layout.Location{}, 1))
	s := &layout.Schema{Name: "result", Rank: 2, Dims: []int{1, 1}, Datatype: layout.DatatypeInt, Discipline: layout.Board}
	eng := checkpoint.New(arc, []*layout.Schema{s}, dims, checkpoint.Config{ArchivePath: path, NoBackup: true, BatchSize: 1})
	require.NoError(t, arc.CommitDataset(0, s, layout.PoolDims(s, dims), make([]byte, 4)))
	require.NoError(t, eng.Flush(0, b))

	r := New(arc, registry.New(&registry.Module{}), dims, false)
	states, err := r.RestoreAll(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, 2, states[0].RID)
	require.Equal(t, 5, states[0].SID)
	require.Equal(t, 1, states[0].SRID)
}

func TestRestoreAllDefaultsCountersWhenAbsent(t *testing.T) {
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	path := filepath.Join(t.TempDir(), "run.h5")
	arc, err := archive.Open(path)
	require.NoError(t, err)
	defer arc.Close()
	require.NoError(t, arc.Identify("mod", "1.0"))
	require.NoError(t, arc.CreatePool(0))

	b := board.New(dims)
	require.NoError(t, b.Finish(layout.Location{}, 1))
	s := &layout.Schema{Name: "result", Rank: 2, Dims: []int{1, 1}, Datatype: layout.DatatypeInt, Discipline: layout.Board}
	eng := checkpoint.New(arc, []*layout.Schema{s}, dims, checkpoint.Config{ArchivePath: path, NoBackup: true, BatchSize: 1})
	require.NoError(t, arc.CommitDataset(0, s, layout.PoolDims(s, dims), make([]byte, 4)))
	require.NoError(t, eng.Flush(0, b))

	r := New(arc, registry.New(&registry.Module{}), dims, false)
	states, err := r.RestoreAll(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Zero(t, states[0].RID)
	require.Zero(t, states[0].SID)
	require.Zero(t, states[0].SRID)
}

func TestRestoreAllResetCheckpointsClearsCheckpointID(t *testing.T) {
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	path := filepath.Join(t.TempDir(), "run.h5")
	arc, err := archive.Open(path)
	require.NoError(t, err)
	defer arc.Close()
	require.NoError(t, arc.Identify("mod", "1.0"))
	require.NoError(t, arc.CreatePool(0))

	b := board.New(dims)
	// simulate an in-flight task whose last-known checkpoint id was 7
	require.NoError(t, b.Set(layout.Location{}, board.Cell{Status: board.InUse, Owner: 1, CheckpointID: 7}))

	s := &layout.Schema{Name: "result", Rank: 2, Dims: []int{1, 1}, Datatype: layout.DatatypeInt, Discipline: layout.Board}
	eng := checkpoint.New(arc, []*layout.Schema{s}, dims, checkpoint.Config{ArchivePath: path, NoBackup: true, BatchSize: 1})
	require.NoError(t, arc.CommitDataset(0, s, layout.PoolDims(s, dims), make([]byte, 4)))
	require.NoError(t, eng.Flush(0, b))

	r := New(arc, registry.New(&registry.Module{}), dims, true)
	states, err := r.RestoreAll(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)

	cell, err := states[0].Board.Get(layout.Location{})
	require.NoError(t, err)
	require.Equal(t, board.ToBeRestarted, cell.Status)
	require.Equal(t, int32(0), cell.CheckpointID)
}
