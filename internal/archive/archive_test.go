package archive

import (
	"path/filepath"
	"testing"

	"github.com/oriys/mechanic/internal/layout"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Archive {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.h5")
	a, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestIdentifyValidate(t *testing.T) {
	a := openTemp(t)
	require.NoError(t, a.Identify("hello", "2.0"))
	require.NoError(t, a.Validate("hello", "2.0"))
	require.ErrorIs(t, a.Validate("hello", "1.0"), ErrArchiveInvalid)
	require.ErrorIs(t, a.Validate("other", "2.0"), ErrArchiveInvalid)
}

func TestCreatePoolAndLastPointer(t *testing.T) {
	a := openTemp(t)
	require.NoError(t, a.CreatePool(0))
	require.NoError(t, a.CreatePool(1))
	name, ok, err := a.LastPool()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pool-0001", name)

	pools, err := a.ListPools()
	require.NoError(t, err)
	require.Contains(t, pools, "pool-0000")
	require.Contains(t, pools, "pool-0001")
}

func TestCommitAndReadDataset(t *testing.T) {
	a := openTemp(t)
	require.NoError(t, a.CreatePool(0))
	s := &layout.Schema{Name: "result", Rank: 2, Dims: []int{1, 1}, Datatype: layout.DatatypeInt, Discipline: layout.Board}
	data := make([]byte, 16) // 4 cells * 4 bytes
	require.NoError(t, a.CommitDataset(0, s, []int{2, 2}, data))

	payload := []byte{9, 0, 0, 0}
	require.NoError(t, a.WriteHyperslab(0, "result", 4, payload))

	got, err := a.ReadDataset(0, "result")
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, got.Dims)
	require.Equal(t, 4, got.ElemSize)
	require.Equal(t, payload, got.Data[4:8])
}

func TestHyperslabOutOfRange(t *testing.T) {
	a := openTemp(t)
	require.NoError(t, a.CreatePool(0))
	s := &layout.Schema{Name: "small", Rank: 2, Dims: []int{1, 1}, Datatype: layout.DatatypeInt, Discipline: layout.Board}
	require.NoError(t, a.CommitDataset(0, s, []int{1, 1}, make([]byte, 4)))
	err := a.WriteHyperslab(0, "small", 2, []byte{1, 2, 3, 4})
	require.Error(t, err)
}

func TestAttributeRoundTrip(t *testing.T) {
	a := openTemp(t)
	require.NoError(t, a.CreatePool(0))
	require.NoError(t, a.CommitAttribute(0, "", layout.Attribute{Name: "pid", Value: 3}))

	var pid int
	require.NoError(t, a.ReadAttribute(0, "", "pid", &pid))
	require.Equal(t, 3, pid)

	_, err := a.ReadDataset(0, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRootAttributeRoundTrip(t *testing.T) {
	a := openTemp(t)
	require.NoError(t, a.CommitRootAttribute(layout.Attribute{Name: "CPU_Time_s", Value: 1.5}))

	var cpuTime float64
	require.NoError(t, a.ReadRootAttribute("CPU_Time_s", &cpuTime))
	require.Equal(t, 1.5, cpuTime)

	err := a.ReadRootAttribute("missing", &cpuTime)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCommitAndReadTaskDataset(t *testing.T) {
	a := openTemp(t)
	require.NoError(t, a.CreatePool(0))
	s := &layout.Schema{Name: "sample", Rank: 2, Dims: []int{1, 3}, Datatype: layout.DatatypeInt, Discipline: layout.Group}
	payload := []byte{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3}
	require.NoError(t, a.CommitTaskDataset(0, 7, s, payload))

	got, err := a.ReadTaskDataset(0, 7, "sample")
	require.NoError(t, err)
	require.Equal(t, payload, got.Data)
	require.Equal(t, []int{1, 3}, got.Dims)

	_, err = a.ReadTaskDataset(0, 9, "sample")
	require.ErrorIs(t, err, ErrNotFound)
}
