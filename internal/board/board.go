// Package board implements the task board: the [X,Y,Z,3] status cube that
// tracks, for every cell, its lifecycle status, owning worker rank, and
// checkpoint id.
package board

import (
	"fmt"
	"sync"

	"github.com/oriys/mechanic/internal/layout"
)

// Status is a task board cell's lifecycle state, per spec.md §4.4.
type Status int32

const (
	Available Status = iota
	InUse
	ToBeRestarted
	Finished
)

func (s Status) String() string {
	switch s {
	case Available:
		return "AVAILABLE"
	case InUse:
		return "IN_USE"
	case ToBeRestarted:
		return "TO_BE_RESTARTED"
	case Finished:
		return "FINISHED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// Cell is one [status, owner, checkpoint-id] slot of the board.
type Cell struct {
	Status       Status
	Owner        int32 // owning worker rank, or -1 if unowned
	CheckpointID int32
}

// ErrCellNotAvailable is returned when a caller tries to claim a cell that
// is neither AVAILABLE nor TO_BE_RESTARTED.
var ErrCellNotAvailable = fmt.Errorf("board: cell not available")

// ErrOutOfBounds is returned for any coordinate outside the board's dims.
var ErrOutOfBounds = fmt.Errorf("board: coordinate out of bounds")

// Board is the 3-D cube of Cells, addressed by layout.Location.
type Board struct {
	mu        sync.Mutex
	dims      layout.BoardDims
	data      []Cell
	completed int // cells that reached FINISHED, either by running or by BoardPrepare closing them
}

// New allocates a Board with every cell AVAILABLE and unowned.
func New(dims layout.BoardDims) *Board {
	b := &Board{dims: dims, data: make([]Cell, dims.PoolSize())}
	for i := range b.data {
		b.data[i] = Cell{Status: Available, Owner: -1, CheckpointID: -1}
	}
	return b
}

// Dims returns the board's [X,Y,Z] extent.
func (b *Board) Dims() layout.BoardDims {
	return b.dims
}

func (b *Board) flatIndex(loc layout.Location) (int, error) {
	if loc.X < 0 || loc.X >= b.dims.X || loc.Y < 0 || loc.Y >= b.dims.Y || loc.Z < 0 || loc.Z >= b.dims.Z {
		return 0, fmt.Errorf("%w: %+v outside %+v", ErrOutOfBounds, loc, b.dims)
	}
	return loc.Z*b.dims.X*b.dims.Y + loc.Y*b.dims.X + loc.X, nil
}

// Get returns a copy of the cell at loc.
func (b *Board) Get(loc layout.Location) (Cell, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.flatIndex(loc)
	if err != nil {
		return Cell{}, err
	}
	return b.data[idx], nil
}

// Set overwrites the cell at loc unconditionally. Used during restart
// rehydration and by the checkpoint engine's batched commit.
func (b *Board) Set(loc layout.Location, c Cell) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.flatIndex(loc)
	if err != nil {
		return err
	}
	b.data[idx] = c
	return nil
}

// Claim atomically transitions an AVAILABLE or TO_BE_RESTARTED cell to
// IN_USE under owner, the only way a rank may take ownership of a cell.
func (b *Board) Claim(loc layout.Location, owner int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.flatIndex(loc)
	if err != nil {
		return err
	}
	cell := b.data[idx]
	if cell.Status != Available && cell.Status != ToBeRestarted {
		return fmt.Errorf("%w: %+v is %s", ErrCellNotAvailable, loc, cell.Status)
	}
	b.data[idx] = Cell{Status: InUse, Owner: owner, CheckpointID: cell.CheckpointID}
	return nil
}

// Finish marks a cell FINISHED with the given checkpoint id, releasing
// ownership, and bumps the completed counter per spec.md §4.8 step 4.
func (b *Board) Finish(loc layout.Location, checkpointID int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.flatIndex(loc)
	if err != nil {
		return err
	}
	b.data[idx] = Cell{Status: Finished, Owner: -1, CheckpointID: checkpointID}
	b.completed++
	return nil
}

// Checkpoint updates a cell's checkpoint id in place without changing its
// status, for an in-progress TAG_CHECKPOINT snapshot per spec.md §4.8
// step 4 (only a TAG_RESULT moves a cell to FINISHED).
func (b *Board) Checkpoint(loc layout.Location, checkpointID int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.flatIndex(loc)
	if err != nil {
		return err
	}
	b.data[idx].CheckpointID = checkpointID
	return nil
}

// Completed returns the number of cells that have reached FINISHED, via
// either normal task completion or BoardPrepare closing a DISABLED cell.
func (b *Board) Completed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

// Release reverts an IN_USE cell back to AVAILABLE without marking it
// finished, used when a worker's task is abandoned before completion.
func (b *Board) Release(loc layout.Location) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.flatIndex(loc)
	if err != nil {
		return err
	}
	cell := b.data[idx]
	b.data[idx] = Cell{Status: Available, Owner: -1, CheckpointID: cell.CheckpointID}
	return nil
}

// MarkRestart flags a cell TO_BE_RESTARTED, the state restart rehydration
// assigns to any cell that was IN_USE when the archive was last
// checkpointed (its owner never reported completion).
func (b *Board) MarkRestart(loc layout.Location, checkpointID int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.flatIndex(loc)
	if err != nil {
		return err
	}
	b.data[idx] = Cell{Status: ToBeRestarted, Owner: -1, CheckpointID: checkpointID}
	return nil
}

// ApplyMask implements the per-cell ENABLED/DISABLED BoardPrepare policy
// of spec.md §4.4. enabled classifies each task id in the order mapFn
// assigns them to locations. maskSize, when >0 and below poolSize,
// requests the reversed-mask policy: the board starts FINISHED
// everywhere and only the first maskSize tids classified ENABLED are
// opened to AVAILABLE, so a module can compute a small subset of cells
// while keeping the board shape intact. Otherwise every ENABLED tid
// opens to AVAILABLE and every DISABLED tid closes FINISHED immediately,
// bumping Completed for each cell that closes without ever running.
func (b *Board) ApplyMask(poolSize, maskSize int, mapFn func(taskID int) layout.Location, enabled func(taskID int) (bool, error)) error {
	reversed := maskSize > 0 && maskSize < poolSize
	opened := 0
	for tid := 0; tid < poolSize; tid++ {
		ok, err := enabled(tid)
		if err != nil {
			return fmt.Errorf("board: board prepare tid %d: %w", tid, err)
		}
		loc := mapFn(tid)
		switch {
		case reversed:
			if ok && opened < maskSize {
				opened++
				if err := b.open(loc); err != nil {
					return err
				}
			} else if err := b.close(loc); err != nil {
				return err
			}
		case ok:
			if err := b.open(loc); err != nil {
				return err
			}
		default:
			if err := b.close(loc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Board) open(loc layout.Location) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.flatIndex(loc)
	if err != nil {
		return err
	}
	b.data[idx] = Cell{Status: Available, Owner: -1, CheckpointID: -1}
	return nil
}

func (b *Board) close(loc layout.Location) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.flatIndex(loc)
	if err != nil {
		return err
	}
	b.data[idx] = Cell{Status: Finished, Owner: -1, CheckpointID: -1}
	b.completed++
	return nil
}

// DispatchableCount returns the number of cells the dispatcher could still
// hand out this generation: AVAILABLE cells plus TO_BE_RESTARTED cells
// reclaimed by a prior restart, per spec.md §3's TO_BE_RESTARTED -> IN_USE
// transition. This is the farm_res of spec.md §4.6.
func (b *Board) DispatchableCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.data {
		if c.Status == Available || c.Status == ToBeRestarted {
			n++
		}
	}
	return n
}

// CountByStatus returns the number of cells in each status, used by the
// run command for its end-of-run cell-state metrics and progress update.
func (b *Board) CountByStatus() map[Status]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[Status]int, 4)
	for _, c := range b.data {
		counts[c.Status]++
	}
	return counts
}

// NextAvailable scans the board in storage order and returns the first
// dispatchable cell's location: an AVAILABLE cell, or else a
// TO_BE_RESTARTED cell left behind by a forced restart (spec.md §3's
// TO_BE_RESTARTED -> IN_USE transition), per the default GetNewTask
// selection policy of spec.md §4.6.
func (b *Board) NextAvailable() (layout.Location, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if loc, ok := b.scanFor(Available); ok {
		return loc, true
	}
	return b.scanFor(ToBeRestarted)
}

func (b *Board) scanFor(status Status) (layout.Location, bool) {
	for i, c := range b.data {
		if c.Status == status {
			z := i / (b.dims.X * b.dims.Y)
			rem := i % (b.dims.X * b.dims.Y)
			y := rem / b.dims.X
			x := rem % b.dims.X
			return layout.Location{X: x, Y: y, Z: z}, true
		}
	}
	return layout.Location{}, false
}

// Snapshot returns a flat copy of every cell in row-major order, for the
// checkpoint engine to serialize as the BOARD dataset.
func (b *Board) Snapshot() []Cell {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Cell, len(b.data))
	copy(out, b.data)
	return out
}

// Load replaces the board's contents from a row-major cell slice read
// back from the archive, used by the restart procedure.
func (b *Board) Load(cells []Cell) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(cells) != len(b.data) {
		return fmt.Errorf("board: load of %d cells does not match board size %d", len(cells), len(b.data))
	}
	copy(b.data, cells)
	return nil
}
