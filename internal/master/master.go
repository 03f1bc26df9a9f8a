// Package master implements the dispatch loop that hands board cells out
// to worker ranks, one pending task per worker, and folds results back
// into the board and checkpoint engine as they complete.
package master

import (
	"context"
	"fmt"

	"github.com/oriys/mechanic/internal/arena"
	"github.com/oriys/mechanic/internal/board"
	"github.com/oriys/mechanic/internal/checkpoint"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/logging"
	"github.com/oriys/mechanic/internal/registry"
	"github.com/oriys/mechanic/internal/transport"
	"github.com/oriys/mechanic/internal/wire"
)

// Master owns the worker fleet for the lifetime of a run, dispatching one
// generation of tasks at a time on behalf of the pool state machine.
type Master struct {
	trans     transport.Transport
	reg       *registry.Registry
	engine    *checkpoint.Engine
	worldSize int
	active    map[int]bool // worker ranks that have not yet received TAG_TERMINATE
}

// New creates a Master bound to trans, which must be rank 0.
func New(trans transport.Transport, reg *registry.Registry, engine *checkpoint.Engine) (*Master, error) {
	if trans.Rank() != transport.MasterRank {
		return nil, fmt.Errorf("master: transport rank %d is not the master rank", trans.Rank())
	}
	worldSize := trans.WorldSize()
	active := make(map[int]bool, worldSize-1)
	for r := 1; r < worldSize; r++ {
		active[r] = true
	}
	return &Master{trans: trans, reg: reg, engine: engine, worldSize: worldSize, active: active}, nil
}

// activeRanks returns the still-live worker ranks in ascending order.
func (m *Master) activeRanks() []int {
	ranks := make([]int, 0, len(m.active))
	for r := 1; r < m.worldSize; r++ {
		if m.active[r] {
			ranks = append(ranks, r)
		}
	}
	return ranks
}

// terminate sends TAG_TERMINATE to rank and retires it from the fleet for
// the remainder of the run: per spec.md §4.7 a worker exits as soon as it
// receives TAG_TERMINATE, so a retired rank never processes another task.
func (m *Master) terminate(ctx context.Context, rank int) error {
	if err := m.trans.Send(ctx, rank, wire.Message{Header: wire.Header{Tag: wire.TagTerminate}}); err != nil {
		return fmt.Errorf("master: terminate rank %d: %w", rank, err)
	}
	m.active[rank] = false
	return nil
}

// workerState tracks one worker's current assignment.
type workerState struct {
	busy bool
	loc  layout.Location
	tid  int
}

// RunGeneration dispatches tasks for every AVAILABLE or TO_BE_RESTARTED
// cell in b, following the step 1 (surplus termination) / seed /
// steady-state / termination phases of spec.md §4.6: each worker always
// has at most one pending task, and per-peer send ordering is exactly the
// order tasks were assigned.
func (m *Master) RunGeneration(ctx context.Context, poolID, stage int, b *board.Board) error {
	// Step 1: if farm_res < W, the surplus workers are sent TAG_TERMINATE
	// before the farm is seeded and never participate in this or any
	// later generation (spec.md §4.6 step 1, testable property #6).
	ranks := m.activeRanks()
	farmRes := b.DispatchableCount()
	if farmRes < len(ranks) {
		surplus := ranks[farmRes:]
		for _, r := range surplus {
			if err := m.terminate(ctx, r); err != nil {
				return err
			}
		}
		ranks = ranks[:farmRes]
	}

	workers := make(map[int]*workerState, len(ranks))
	for _, r := range ranks {
		workers[r] = &workerState{}
	}

	// Seed phase: give every remaining worker an initial task, if one is
	// available.
	for _, r := range ranks {
		if err := m.assignNext(ctx, poolID, b, workers[r], r); err != nil {
			return err
		}
	}

	for anyBusy(workers) {
		from, msg, err := m.trans.Recv(ctx)
		if err != nil {
			return fmt.Errorf("master: recv: %w", err)
		}
		ws, ok := workers[from]
		if !ok || !ws.busy {
			continue // stray/duplicate message from a worker we're not tracking this generation
		}
		switch msg.Header.Tag {
		case wire.TagResult:
			// §4.8 step 4: a TAG_RESULT closes the cell FINISHED and frees
			// the worker for its next assignment.
			if err := m.completeTask(ctx, poolID, b, ws, msg, true); err != nil {
				return err
			}
			ws.busy = false
			if err := m.assignNext(ctx, poolID, b, ws, from); err != nil {
				return err
			}
		case wire.TagCheckpoint:
			// §4.8 step 4: a TAG_CHECKPOINT is an in-progress snapshot; it
			// updates the cell's checkpoint id but leaves it IN_USE and the
			// worker still busy with the same task.
			if err := m.completeTask(ctx, poolID, b, ws, msg, false); err != nil {
				return err
			}
		default:
			return fmt.Errorf("master: unexpected tag %d from rank %d", msg.Header.Tag, from)
		}
	}

	if err := m.engine.Flush(poolID, b); err != nil {
		return fmt.Errorf("master: flush generation checkpoint: %w", err)
	}

	logging.LogEvent(logging.Event{Kind: "generation_complete", PoolID: poolID, Stage: stage})
	return nil
}

func anyBusy(workers map[int]*workerState) bool {
	for _, ws := range workers {
		if ws.busy {
			return true
		}
	}
	return false
}

// assignNext claims the next available board cell and sends it to worker
// rank r, leaving ws idle if the board has no more available cells.
func (m *Master) assignNext(ctx context.Context, poolID int, b *board.Board, ws *workerState, rank int) error {
	loc, ok := b.NextAvailable()
	if !ok {
		return nil
	}
	dims := b.Dims()
	tid := locationToTID(dims, loc)
	if err := b.Claim(loc, int32(rank)); err != nil {
		return fmt.Errorf("master: claim %+v for rank %d: %w", loc, rank, err)
	}
	msg := wire.Message{Header: wire.Header{
		Tag:    wire.TagData,
		TaskID: int32(tid),
		LocX:   int32(loc.X),
		LocY:   int32(loc.Y),
		LocZ:   int32(loc.Z),
	}}
	if err := m.trans.Send(ctx, rank, msg); err != nil {
		return fmt.Errorf("master: send task %d to rank %d: %w", tid, rank, err)
	}
	ws.busy = true
	ws.loc = loc
	ws.tid = tid
	return nil
}

// completeTask unpacks a worker's message, runs the module's Receive
// hook, updates the board cell, and stages the payload for checkpointing.
// final distinguishes a TAG_RESULT (closes the cell FINISHED) from a
// TAG_CHECKPOINT (updates only the checkpoint id), per spec.md §4.8 step 4.
func (m *Master) completeTask(ctx context.Context, poolID int, b *board.Board, ws *workerState, msg wire.Message, final bool) error {
	in := arena.New(0)
	for _, s := range m.reg.Schemas() {
		if !s.Sync {
			continue
		}
		buf, err := in.Allocate(s, nil)
		if err != nil {
			return fmt.Errorf("master: allocate receive buffer for %s: %w", s.Name, err)
		}
		n := buf.Size()
		if n > len(msg.Body) {
			return fmt.Errorf("master: message body too short for schema %s", s.Name)
		}
		copy(buf.Bytes(), msg.Body[:n])
		msg.Body = msg.Body[n:]
	}
	if err := m.reg.Receive(ctx, ws.loc, ws.tid, in); err != nil {
		return fmt.Errorf("master: receive hook for task %d: %w", ws.tid, err)
	}

	checkpointID := int32(ws.tid)
	if final {
		if err := b.Finish(ws.loc, checkpointID); err != nil {
			return fmt.Errorf("master: finish %+v: %w", ws.loc, err)
		}
	} else {
		if err := b.Checkpoint(ws.loc, checkpointID); err != nil {
			return fmt.Errorf("master: checkpoint %+v: %w", ws.loc, err)
		}
	}

	for _, s := range m.reg.Schemas() {
		if !s.Sync {
			continue
		}
		buf, _ := in.Get(s.Name)
		if err := m.engine.Stage(poolID, b, checkpoint.Record{
			Loc:        ws.loc,
			TaskID:     ws.tid,
			SchemaName: s.Name,
			Payload:    buf.Bytes(),
		}); err != nil {
			return fmt.Errorf("master: stage checkpoint for task %d: %w", ws.tid, err)
		}
	}
	return nil
}

// Shutdown sends TAG_TERMINATE to every worker still active, called once
// after every pool in the run has finished. Workers retired early as
// surplus (step 1 of spec.md §4.6) are skipped, so every worker receives
// exactly one TAG_TERMINATE across the whole run (testable property #6).
func (m *Master) Shutdown(ctx context.Context) error {
	for _, r := range m.activeRanks() {
		if err := m.terminate(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// locationToTID inverts layout.DefaultTaskBoardMap: X is the slowest
// varying axis and Z the fastest.
func locationToTID(dims layout.BoardDims, loc layout.Location) int {
	return loc.X*dims.Y*dims.Z + loc.Y*dims.Z + loc.Z
}
