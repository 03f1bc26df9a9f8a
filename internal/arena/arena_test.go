package arena

import (
	"testing"

	"github.com/oriys/mechanic/internal/layout"
	"github.com/stretchr/testify/require"
)

func intSchema(name string, dims ...int) *layout.Schema {
	return &layout.Schema{Name: name, Rank: len(dims), Dims: dims, Datatype: layout.DatatypeInt, Discipline: layout.Board}
}

func TestAllocateWriteReadRoundTrip(t *testing.T) {
	a := New(0)
	s := intSchema("board-data", 2, 2)
	buf, err := a.Allocate(s, nil)
	require.NoError(t, err)
	require.Equal(t, 16, buf.Size())

	payload := []byte{1, 0, 0, 0}
	require.NoError(t, buf.WriteAt([]int{1, 0}, 4, payload))
	got, err := buf.ReadAt([]int{1, 0}, 4)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	zero, err := buf.ReadAt([]int{0, 0}, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, zero)
}

func TestDoubleAllocRejected(t *testing.T) {
	a := New(0)
	s := intSchema("dup", 2, 2)
	_, err := a.Allocate(s, nil)
	require.NoError(t, err)
	_, err = a.Allocate(s, nil)
	require.ErrorIs(t, err, ErrDoubleAlloc)
}

func TestOutOfMemory(t *testing.T) {
	a := New(10)
	s := intSchema("big", 10, 10)
	_, err := a.Allocate(s, nil)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestFreeThenReallocate(t *testing.T) {
	a := New(0)
	s := intSchema("slot", 2, 2)
	_, err := a.Allocate(s, nil)
	require.NoError(t, err)
	a.Free("slot")
	_, ok := a.Get("slot")
	require.False(t, ok)
	_, err = a.Allocate(s, nil)
	require.NoError(t, err)
}

func TestUseAfterFree(t *testing.T) {
	a := New(0)
	s := intSchema("x", 2, 2)
	buf, err := a.Allocate(s, nil)
	require.NoError(t, err)
	a.Free("x")
	_, err = buf.ReadAt([]int{0, 0}, 4)
	require.ErrorIs(t, err, ErrUseAfterFree)
}

func TestOutOfRangeCoordinate(t *testing.T) {
	a := New(0)
	s := intSchema("y", 2, 2)
	buf, err := a.Allocate(s, nil)
	require.NoError(t, err)
	err = buf.WriteAt([]int{5, 0}, 4, []byte{0, 0, 0, 0})
	require.Error(t, err)
}
