package master

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/mechanic/internal/archive"
	"github.com/oriys/mechanic/internal/arena"
	"github.com/oriys/mechanic/internal/board"
	"github.com/oriys/mechanic/internal/checkpoint"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/registry"
	"github.com/oriys/mechanic/internal/transport"
	"github.com/oriys/mechanic/internal/wire"
	"github.com/oriys/mechanic/internal/worker"
	"github.com/stretchr/testify/require"
)

func squareSchema() *layout.Schema {
	return &layout.Schema{Name: "square", Rank: 2, Dims: []int{1, 1}, Datatype: layout.DatatypeInt, Discipline: layout.Board, Sync: true}
}

func TestMasterWorkerGenerationEndToEnd(t *testing.T) {
	dims := layout.BoardDims{X: 2, Y: 2, Z: 1}
	schema := squareSchema()

	moduleForWorker := &registry.Module{
		Name:    "square",
		Schemas: []*layout.Schema{schema},
		Process: func(ctx context.Context, loc layout.Location, taskID int, in *arena.Arena) error {
			buf, ok := in.Get(schema.Name)
			require.True(t, ok)
			out := make([]byte, 4)
			binary.BigEndian.PutUint32(out, uint32(taskID*taskID))
			return buf.WriteAt([]int{0, 0}, 4, out)
		},
	}
	moduleForMaster := &registry.Module{Name: "square", Schemas: []*layout.Schema{schema}}

	hub := transport.NewInMemoryHub(2)

	path := filepath.Join(t.TempDir(), "run.h5")
	arc, err := archive.Open(path)
	require.NoError(t, err)
	defer arc.Close()
	require.NoError(t, arc.Identify("square", "1.0"))
	require.NoError(t, arc.CreatePool(0))
	require.NoError(t, arc.CommitDataset(0, schema, layout.PoolDims(schema, dims), make([]byte, dims.PoolSize()*4)))

	engine := checkpoint.New(arc, []*layout.Schema{schema}, dims, checkpoint.Config{ArchivePath: path, BatchSize: 1, NoBackup: true})

	m, err := New(hub.Rank(0), registry.New(moduleForMaster), engine)
	require.NoError(t, err)
	w, err := worker.New(hub.Rank(1), registry.New(moduleForWorker), dims)
	require.NoError(t, err)

	b := board.New(dims)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	require.NoError(t, m.RunGeneration(ctx, 0, 0, b))
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, <-workerDone)

	counts := b.CountByStatus()
	require.Equal(t, dims.PoolSize(), counts[board.Finished])

	got, err := arc.ReadDataset(0, "square")
	require.NoError(t, err)
	// task 3 sits at (x=1,y=1,z=0) -> tid 3 -> payload 9
	require.Equal(t, uint32(9), binary.BigEndian.Uint32(got.Data[12:16]))
}

// TestMasterWorkerListDisciplineOrdersByTaskID exercises the full 2x2x1
// board with a LIST-discipline schema recording each task's own board
// location, verifying that the dataset ends up ordered by row-major task
// id regardless of which order the worker actually completed the cells
// in, and that every cell reaches FINISHED.
func TestMasterWorkerListDisciplineOrdersByTaskID(t *testing.T) {
	dims := layout.BoardDims{X: 2, Y: 2, Z: 1}
	schema := &layout.Schema{Name: "result", Rank: 1, Dims: []int{3}, Datatype: layout.DatatypeInt, Discipline: layout.List, Sync: true}

	moduleForWorker := &registry.Module{
		Name:    "locate",
		Schemas: []*layout.Schema{schema},
		Process: func(ctx context.Context, loc layout.Location, taskID int, in *arena.Arena) error {
			buf, ok := in.Get(schema.Name)
			require.True(t, ok)
			for axis, v := range []int{loc.X, loc.Y, loc.Z} {
				out := make([]byte, 4)
				binary.BigEndian.PutUint32(out, uint32(v))
				if err := buf.WriteAt([]int{axis}, 4, out); err != nil {
					return err
				}
			}
			return nil
		},
	}
	moduleForMaster := &registry.Module{Name: "locate", Schemas: []*layout.Schema{schema}}

	hub := transport.NewInMemoryHub(2)

	path := filepath.Join(t.TempDir(), "run.h5")
	arc, err := archive.Open(path)
	require.NoError(t, err)
	defer arc.Close()
	require.NoError(t, arc.Identify("locate", "1.0"))
	require.NoError(t, arc.CreatePool(0))
	require.NoError(t, arc.CommitDataset(0, schema, layout.PoolDims(schema, dims), make([]byte, dims.PoolSize()*3*4)))

	engine := checkpoint.New(arc, []*layout.Schema{schema}, dims, checkpoint.Config{ArchivePath: path, BatchSize: 1, NoBackup: true})

	m, err := New(hub.Rank(0), registry.New(moduleForMaster), engine)
	require.NoError(t, err)
	w, err := worker.New(hub.Rank(1), registry.New(moduleForWorker), dims)
	require.NoError(t, err)

	b := board.New(dims)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	require.NoError(t, m.RunGeneration(ctx, 0, 0, b))
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, <-workerDone)

	counts := b.CountByStatus()
	require.Equal(t, dims.PoolSize(), counts[board.Finished])
	require.Equal(t, 4, b.Completed())

	got, err := arc.ReadDataset(0, "result")
	require.NoError(t, err)
	want := [][]int{{0, 0, 0}, {0, 1, 0}, {1, 0, 0}, {1, 1, 0}}
	for tid, loc := range want {
		for axis, v := range loc {
			off := (tid*3 + axis) * 4
			require.Equal(t, uint32(v), binary.BigEndian.Uint32(got.Data[off:off+4]), "tid %d axis %d", tid, axis)
		}
	}
}

// TestMasterTerminatesSurplusWorkersBeforeSeeding covers scenario S4: a
// 1x1x1 board (one dispatchable cell) with four worker ranks must send
// TAG_TERMINATE to the three surplus ranks before any TAG_DATA goes out,
// per spec.md §4.6 step 1 and testable property #6.
func TestMasterTerminatesSurplusWorkersBeforeSeeding(t *testing.T) {
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	schema := squareSchema()
	hub := transport.NewInMemoryHub(5) // rank 0 = master, ranks 1-4 = workers

	path := filepath.Join(t.TempDir(), "run.h5")
	arc, err := archive.Open(path)
	require.NoError(t, err)
	defer arc.Close()
	require.NoError(t, arc.Identify("square", "1.0"))
	require.NoError(t, arc.CreatePool(0))
	require.NoError(t, arc.CommitDataset(0, schema, layout.PoolDims(schema, dims), make([]byte, dims.PoolSize()*4)))
	engine := checkpoint.New(arc, []*layout.Schema{schema}, dims, checkpoint.Config{ArchivePath: path, BatchSize: 1, NoBackup: true})

	module := &registry.Module{Name: "square", Schemas: []*layout.Schema{schema}}
	m, err := New(hub.Rank(0), registry.New(module), engine)
	require.NoError(t, err)

	// Drive each worker rank by hand instead of running a real worker loop,
	// so the test can observe exactly which tag each rank receives first.
	firstTag := make([]int32, 5)
	done := make(chan struct{}, 4)
	for r := 1; r <= 4; r++ {
		r := r
		go func() {
			defer func() { done <- struct{}{} }()
			trans := hub.Rank(r)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, msg, err := trans.Recv(ctx)
			require.NoError(t, err)
			firstTag[r] = msg.Header.Tag
			if msg.Header.Tag != wire.TagData {
				return
			}
			out := make([]byte, 4)
			binary.BigEndian.PutUint32(out, 81)
			reply := wire.Message{Header: wire.Header{
				Tag:    wire.TagResult,
				TaskID: msg.Header.TaskID,
				LocX:   msg.Header.LocX,
				LocY:   msg.Header.LocY,
				LocZ:   msg.Header.LocZ,
			}, Body: out}
			require.NoError(t, trans.Send(ctx, 0, reply))
		}()
	}

	b := board.New(dims)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.RunGeneration(ctx, 0, 0, b))

	for i := 0; i < 4; i++ {
		<-done
	}

	terminated, dataRecipients := 0, 0
	for r := 1; r <= 4; r++ {
		switch firstTag[r] {
		case wire.TagTerminate:
			terminated++
		case wire.TagData:
			dataRecipients++
		}
	}
	require.Equal(t, 3, terminated)
	require.Equal(t, 1, dataRecipients)
}
