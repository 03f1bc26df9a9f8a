// Package restart resumes a run from an existing archive: it validates the
// archive's identity, and for every pool reads back the committed board
// and the pool's RID/SID/SRID counters so dispatch resumes at the point
// the prior run stopped. Pool datasets are not read back into memory, and
// nothing is sent to the workers during restart.
package restart

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/mechanic/internal/archive"
	"github.com/oriys/mechanic/internal/board"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/registry"
)

// PoolState is one pool's rehydrated board plus its archive pool index,
// ready to be resumed by the pool state machine.
type PoolState struct {
	PoolID int
	Board  *board.Board
	RID    int
	SID    int
	SRID   int
}

// Restorer rebuilds every pool recorded in arc, in parallel, mirroring
// the errgroup-parallel prefetch pattern the teacher uses for independent
// I/O-bound work.
type Restorer struct {
	arc              *archive.Archive
	reg              *registry.Registry
	dims             layout.BoardDims
	resetCheckpoints bool
}

// New creates a Restorer bound to an already-opened, already-validated
// archive. resetCheckpoints mirrors the CLI's --reset-checkpoints flag: a
// TO_BE_RESTARTED cell's checkpoint id is cleared to 0 instead of keeping
// the value it had when the board was last flushed, per spec.md §9.
func New(arc *archive.Archive, reg *registry.Registry, dims layout.BoardDims, resetCheckpoints bool) *Restorer {
	return &Restorer{arc: arc, reg: reg, dims: dims, resetCheckpoints: resetCheckpoints}
}

// Validate performs restart step 1: confirm the archive's stamped
// identity matches the module about to resume it.
func (r *Restorer) Validate(module, api string) error {
	if err := r.arc.Validate(module, api); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

// RestoreAll restores every pool found in the archive: rebuild the board
// from its committed board dataset, read the pool's counters, reclassify any
// cell that was IN_USE when the archive was last checkpointed as
// TO_BE_RESTARTED (its owner never reported completion), and invoke the
// module's Restart hook. The pool's other datasets are not read. Pools are
// restored concurrently since each one's read is independent I/O.
func (r *Restorer) RestoreAll(ctx context.Context) ([]PoolState, error) {
	names, err := r.arc.ListPools()
	if err != nil {
		return nil, fmt.Errorf("restart: list pools: %w", err)
	}

	states := make([]PoolState, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			poolID, err := parsePoolID(name)
			if err != nil {
				return err
			}
			b, err := r.restorePool(gctx, poolID)
			if err != nil {
				return fmt.Errorf("restart: pool %s: %w", name, err)
			}
			rid, sid, srid, err := r.readCounters(poolID)
			if err != nil {
				return fmt.Errorf("restart: pool %s: read counters: %w", name, err)
			}
			states[i] = PoolState{PoolID: poolID, Board: b, RID: rid, SID: sid, SRID: srid}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, st := range states {
		if err := r.reg.Restart(ctx, st.PoolID); err != nil {
			return nil, fmt.Errorf("restart: module restart hook for pool %d: %w", st.PoolID, err)
		}
	}
	return states, nil
}

func (r *Restorer) restorePool(ctx context.Context, poolID int) (*board.Board, error) {
	ds, err := r.arc.ReadDataset(poolID, "board")
	if err != nil {
		return nil, fmt.Errorf("read board dataset: %w", err)
	}
	b := board.New(r.dims)
	cells := decodeCells(ds.Data)
	if err := b.Load(cells); err != nil {
		return nil, err
	}
	// Any cell still IN_USE was assigned to a worker that never reported
	// completion before the process died; it must be redone.
	dims := b.Dims()
	for z := 0; z < dims.Z; z++ {
		for y := 0; y < dims.Y; y++ {
			for x := 0; x < dims.X; x++ {
				loc := layout.Location{X: x, Y: y, Z: z}
				cell, err := b.Get(loc)
				if err != nil {
					continue
				}
				if cell.Status == board.InUse {
					// cid is read from the cell before any clearing decision,
					// matching the reference's read-then-maybe-discard order.
					cid := cell.CheckpointID
					if r.resetCheckpoints {
						cid = 0
					}
					if err := b.MarkRestart(loc, cid); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return b, nil
}

// readCounters reads back the pool group's @RID/@SID/@SRID attributes, per
// spec.md §4.9 step 4. An archive written before these attributes existed
// simply resumes at (0, 0, 0).
func (r *Restorer) readCounters(poolID int) (rid, sid, srid int, err error) {
	for name, out := range map[string]*int{"RID": &rid, "SID": &sid, "SRID": &srid} {
		if err := r.arc.ReadAttribute(poolID, "", name, out); err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				continue
			}
			return 0, 0, 0, err
		}
	}
	return rid, sid, srid, nil
}

func decodeCells(data []byte) []board.Cell {
	n := len(data) / 12
	cells := make([]board.Cell, n)
	for i := 0; i < n; i++ {
		off := i * 12
		cells[i] = board.Cell{
			Status:       board.Status(getInt32(data[off:])),
			Owner:        getInt32(data[off+4:]),
			CheckpointID: getInt32(data[off+8:]),
		}
	}
	return cells
}

func getInt32(b []byte) int32 {
	return int32(b[0])<<24 | int32(b[1])<<16 | int32(b[2])<<8 | int32(b[3])
}

func parsePoolID(bucketName string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(bucketName, "pool-%04d", &id); err != nil {
		return 0, fmt.Errorf("parse pool id from %q: %w", bucketName, err)
	}
	return id, nil
}
