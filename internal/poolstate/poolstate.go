// Package poolstate drives the nested prepare -> stage(s) -> reset(s) ->
// process loop that governs a single pool's lifecycle, per spec.md §4.5.
package poolstate

import (
	"context"
	"fmt"

	"github.com/oriys/mechanic/internal/archive"
	"github.com/oriys/mechanic/internal/board"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/logging"
	"github.com/oriys/mechanic/internal/registry"
)

// Dispatcher runs one generation of tasks against the current board to
// completion, the boundary between pool lifecycle control and the actual
// master/worker dispatch loop.
type Dispatcher interface {
	RunGeneration(ctx context.Context, poolID, stage int, b *board.Board) error
}

// Machine advances one pool through its prepare/stage/reset/process loop.
type Machine struct {
	reg        *registry.Registry
	arc        *archive.Archive
	dispatcher Dispatcher
	dims       layout.BoardDims
	resume     map[int][2]int // poolID -> (rid, sid) to resume at, set by ResumeFrom
}

// New creates a pool state Machine.
func New(reg *registry.Registry, arc *archive.Archive, dispatcher Dispatcher, dims layout.BoardDims) *Machine {
	return &Machine{reg: reg, arc: arc, dispatcher: dispatcher, dims: dims}
}

// ResumeFrom records that poolID's Run should start counting from the
// given rid/sid instead of zero, per spec.md §4.9 step 4: a restarted run
// resumes the reset/stage loop at the counters read back from the
// archive rather than restarting a pool's lifecycle from scratch.
func (m *Machine) ResumeFrom(poolID, rid, sid int) {
	if m.resume == nil {
		m.resume = make(map[int][2]int)
	}
	m.resume[poolID] = [2]int{rid, sid}
}

// RunAll drives the outer `for pid in 0..MAX_POOLS` loop of spec.md §4.5:
// each pool runs its full prepare/stage/reset/process lifecycle via Run,
// and a PoolProcess result of POOL_CREATE_NEW advances to the next pool
// id instead of ending the run. newBoard builds the board each pool starts
// from: it is called for startPoolID and for every later pool, and its
// result is passed to Run as is (a nil board is not replaced by the prior
// pool's). Stops at POOL_FINALIZE or once MaxPools pools have run.
func (m *Machine) RunAll(ctx context.Context, startPoolID int, newBoard func(poolID int) *board.Board) error {
	b := newBoard(startPoolID)
	for poolID := startPoolID; poolID < layout.MaxPools; poolID++ {
		action, err := m.Run(ctx, poolID, b)
		if err != nil {
			return err
		}
		if action == registry.PoolFinalize || poolID+1 == layout.MaxPools {
			return nil
		}
		b = newBoard(poolID + 1)
	}
	return nil
}

// Run executes one pool's lifecycle: PoolPrepare decides whether this is
// a fresh pool (creating its archive group); BoardPrepare seeds the
// board; then the nested reset/stage/stage-reset loop of spec.md §4.5
// runs PoolProcess after every generation, tracking the pool's three
// counters (rid, sid, srid) and persisting them to the archive. It
// returns once PoolProcess yields POOL_CREATE_NEW or POOL_FINALIZE, the
// two actions that end this pool's own loop.
func (m *Machine) Run(ctx context.Context, poolID int, b *board.Board) (registry.PoolAction, error) {
	prepareAction, err := m.reg.PoolPrepare(ctx, poolID)
	if err != nil {
		return 0, fmt.Errorf("poolstate: pool %d prepare: %w", poolID, err)
	}
	if prepareAction == PoolCreateNewAction() {
		if err := m.arc.CreatePool(poolID); err != nil {
			return 0, fmt.Errorf("poolstate: pool %d create archive group: %w", poolID, err)
		}
		if err := m.initSchemas(poolID); err != nil {
			return 0, fmt.Errorf("poolstate: pool %d init datasets: %w", poolID, err)
		}
	}
	if err := m.reg.BoardPrepare(ctx, poolID, m.dims, b); err != nil {
		return 0, fmt.Errorf("poolstate: pool %d board prepare: %w", poolID, err)
	}

	// rid advances on POOL_RESET, sid on POOL_STAGE, srid on
	// POOL_STAGE_RESET; srid is re-zeroed at every stage-loop entry, per
	// the §4.5 pseudocode's nested reset/stage/stage-reset loops.
	rid, sid := 0, 0
	if rs, ok := m.resume[poolID]; ok {
		rid, sid = rs[0], rs[1]
		delete(m.resume, poolID)
	}
	var action registry.PoolAction
resetLoop:
	for {
		for { // stage loop
			srid := 0
			for { // stage-reset loop
				if err := m.dispatcher.RunGeneration(ctx, poolID, sid, b); err != nil {
					return 0, fmt.Errorf("poolstate: pool %d stage %d generation: %w", poolID, sid, err)
				}
				action, err = m.reg.PoolProcess(ctx, poolID, sid)
				if err != nil {
					return 0, fmt.Errorf("poolstate: pool %d stage %d process: %w", poolID, sid, err)
				}
				switch action {
				case registry.PoolCreateNew, registry.PoolStage, registry.PoolStageReset, registry.PoolReset, registry.PoolFinalize:
				default:
					return 0, fmt.Errorf("poolstate: pool %d stage %d: unknown pool action %d", poolID, sid, action)
				}
				logging.LogEvent(logging.Event{Kind: "pool_stage_transition", PoolID: poolID, Stage: sid, Detail: actionName(action)})
				if err := m.commitCounters(poolID, rid, sid, srid, action); err != nil {
					return 0, fmt.Errorf("poolstate: pool %d commit counters: %w", poolID, err)
				}
				srid++
				if action != registry.PoolStageReset {
					break
				}
				resetBoardForNextGeneration(b)
			}
			if action != registry.PoolStage {
				break
			}
			sid++
			resetBoardForNextGeneration(b)
		}
		if action != registry.PoolReset {
			break resetLoop
		}
		rid++
		resetBoardForNextGeneration(b)
	}

	return action, nil
}

// commitCounters persists the pool group's @ID/@RID/@SID/@SRID/@Status
// attributes, per spec.md §4.5/§4.9 step 4 (restart reads these back).
func (m *Machine) commitCounters(poolID, rid, sid, srid int, action registry.PoolAction) error {
	status := "PROCESSING"
	if action == registry.PoolFinalize || action == registry.PoolCreateNew {
		status = "PROCESSED"
	}
	attrs := []layout.Attribute{
		{Name: "ID", Datatype: layout.DatatypeInt, Value: poolID},
		{Name: "RID", Datatype: layout.DatatypeInt, Value: rid},
		{Name: "SID", Datatype: layout.DatatypeInt, Value: sid},
		{Name: "SRID", Datatype: layout.DatatypeInt, Value: srid},
		{Name: "Status", Value: status},
	}
	for _, a := range attrs {
		if err := m.arc.CommitAttribute(poolID, "", a); err != nil {
			return fmt.Errorf("commit %s: %w", a.Name, err)
		}
	}
	return nil
}

// initSchemas zero-fills the pool-wide dataset for every declared schema
// that uses one (everything but GROUP, which has no shared array and is
// committed per task instead), so the checkpoint engine's hyperslab
// writes during this pool's generations land on an existing dataset.
func (m *Machine) initSchemas(poolID int) error {
	for _, s := range m.reg.Schemas() {
		if s.Discipline == layout.Group {
			continue
		}
		poolDims := layout.PoolDims(s, m.dims)
		size := s.ElementSize()
		for _, d := range poolDims {
			size *= d
		}
		if err := m.arc.CommitDataset(poolID, s, poolDims, make([]byte, size)); err != nil {
			return err
		}
	}
	return nil
}

// PoolCreateNewAction exposes registry.PoolCreateNew without importing the
// registry package's constant name directly into call sites, matching the
// spec's own vocabulary of POOL_CREATE_NEW.
func PoolCreateNewAction() registry.PoolAction { return registry.PoolCreateNew }

func actionName(a registry.PoolAction) string {
	switch a {
	case registry.PoolCreateNew:
		return "POOL_CREATE_NEW"
	case registry.PoolStage:
		return "POOL_STAGE"
	case registry.PoolStageReset:
		return "POOL_STAGE_RESET"
	case registry.PoolReset:
		return "POOL_RESET"
	case registry.PoolFinalize:
		return "POOL_FINALIZE"
	default:
		return "UNKNOWN"
	}
}

// resetBoardForNextGeneration reverts every FINISHED cell back to
// AVAILABLE so the next stage's generation can reclaim them.
func resetBoardForNextGeneration(b *board.Board) {
	dims := b.Dims()
	for z := 0; z < dims.Z; z++ {
		for y := 0; y < dims.Y; y++ {
			for x := 0; x < dims.X; x++ {
				loc := layout.Location{X: x, Y: y, Z: z}
				cell, err := b.Get(loc)
				if err != nil {
					continue
				}
				if cell.Status == board.Finished {
					_ = b.Release(loc)
				}
			}
		}
	}
}
