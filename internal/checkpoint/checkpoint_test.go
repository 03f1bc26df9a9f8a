package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/oriys/mechanic/internal/archive"
	"github.com/oriys/mechanic/internal/board"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T) (*archive.Archive, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.h5")
	a, err := archive.Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Identify("test", "1.0"))
	require.NoError(t, a.CreatePool(0))
	t.Cleanup(func() { _ = a.Close() })
	return a, path
}

func TestFlushWritesPayloadAndBoard(t *testing.T) {
	a, path := newTestArchive(t)
	dims := layout.BoardDims{X: 2, Y: 2, Z: 1}
	s := &layout.Schema{Name: "result", Rank: 2, Dims: []int{1, 1}, Datatype: layout.DatatypeInt, Discipline: layout.Board}
	require.NoError(t, a.CommitDataset(0, s, layout.PoolDims(s, dims), make([]byte, 16)))

	b := board.New(dims)
	loc := layout.Location{X: 1, Y: 0, Z: 0}
	require.NoError(t, b.Claim(loc, 1))
	require.NoError(t, b.Finish(loc, 0))

	eng := New(a, []*layout.Schema{s}, dims, Config{ArchivePath: path, BatchSize: 1})
	require.NoError(t, eng.Stage(0, b, Record{Loc: loc, TaskID: 1, SchemaName: "result", Payload: []byte{5, 0, 0, 0}}))

	got, err := a.ReadDataset(0, "result")
	require.NoError(t, err)
	// BOARD offsets for (x=1,y=0) are [1,0] in pool dims [2,2]; row-major
	// flattening puts that element at index 2, i.e. bytes 8:12.
	require.Equal(t, []byte{5, 0, 0, 0}, got.Data[8:12])

	boardDS, err := a.ReadDataset(0, "board")
	require.NoError(t, err)
	require.Equal(t, []int{4, 3}, boardDS.Dims)
	// cell (1,0,0) is flat index 1 (X fastest): status FINISHED in its first int32.
	require.Equal(t, []byte{0, 0, 0, 3}, boardDS.Data[12:16])
}

func TestFlushBatchesUntilThreshold(t *testing.T) {
	a, path := newTestArchive(t)
	dims := layout.BoardDims{X: 2, Y: 1, Z: 1}
	s := &layout.Schema{Name: "result", Rank: 2, Dims: []int{1, 1}, Datatype: layout.DatatypeInt, Discipline: layout.Board}
	require.NoError(t, a.CommitDataset(0, s, layout.PoolDims(s, dims), make([]byte, 8)))

	b := board.New(dims)
	eng := New(a, []*layout.Schema{s}, dims, Config{ArchivePath: path, BatchSize: 2})

	require.NoError(t, eng.Stage(0, b, Record{Loc: layout.Location{X: 0}, TaskID: 0, SchemaName: "result", Payload: []byte{1, 0, 0, 0}}))
	require.Len(t, eng.pending, 1)

	require.NoError(t, eng.Stage(0, b, Record{Loc: layout.Location{X: 1}, TaskID: 1, SchemaName: "result", Payload: []byte{2, 0, 0, 0}}))
	require.Empty(t, eng.pending)
}

type recordingObserver struct {
	flushes []int
}

func (o *recordingObserver) ObserveFlush(records int) {
	o.flushes = append(o.flushes, records)
}

func TestFlushNotifiesObserver(t *testing.T) {
	a, path := newTestArchive(t)
	dims := layout.BoardDims{X: 1, Y: 1, Z: 1}
	s := &layout.Schema{Name: "result", Rank: 2, Dims: []int{1, 1}, Datatype: layout.DatatypeInt, Discipline: layout.Board}
	require.NoError(t, a.CommitDataset(0, s, layout.PoolDims(s, dims), make([]byte, 4)))

	b := board.New(dims)
	obs := &recordingObserver{}
	eng := New(a, []*layout.Schema{s}, dims, Config{ArchivePath: path, BatchSize: 1, Observer: obs, NoBackup: true})

	require.NoError(t, eng.Stage(0, b, Record{Loc: layout.Location{}, TaskID: 0, SchemaName: "result", Payload: []byte{9, 0, 0, 0}}))
	require.Equal(t, []int{1}, obs.flushes)
}
