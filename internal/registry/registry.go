// Package registry implements the module callback table: the explicit set
// of optional hooks a user module may implement, resolved with a
// user-first, built-in-fallback lookup order at every call site.
package registry

import (
	"context"

	"github.com/oriys/mechanic/internal/arena"
	"github.com/oriys/mechanic/internal/board"
	"github.com/oriys/mechanic/internal/layout"
)

// PoolAction is the control-flow verdict a stage/reset/process callback
// returns to the pool state machine, per spec.md §4.5.
type PoolAction int

const (
	PoolCreateNew PoolAction = iota
	PoolStage
	PoolStageReset
	PoolReset
	PoolFinalize
)

// TaskProcessor computes one task's outputs given its inputs, the one
// callback every module must supply.
type TaskProcessor func(ctx context.Context, loc layout.Location, taskID int, in *arena.Arena) error

// PoolPrepareFunc runs once before a pool's stage loop begins.
type PoolPrepareFunc func(ctx context.Context, poolID int) (PoolAction, error)

// PoolProcessFunc runs once per stage iteration, after all tasks in the
// current board generation have finished.
type PoolProcessFunc func(ctx context.Context, poolID, stage int) (PoolAction, error)

// BoardPrepareFunc classifies one task id as ENABLED (true) or DISABLED
// (false) before a pool's tasks are dispatched, per spec.md §4.4. An
// ENABLED tid opens its cell to AVAILABLE; a DISABLED tid closes it
// straight to FINISHED without ever running.
type BoardPrepareFunc func(ctx context.Context, poolID, taskID int) (bool, error)

// TaskBoardMapFunc overrides the default row-major tid->location mapping.
type TaskBoardMapFunc func(dims layout.BoardDims, taskID int) layout.Location

// SendFunc lets a module customize what a worker packs into its outgoing
// message beyond the synced schema buffers.
type SendFunc func(ctx context.Context, loc layout.Location, taskID int, out *arena.Arena) error

// ReceiveFunc lets a module customize how the master unpacks an incoming
// worker message beyond the synced schema buffers.
type ReceiveFunc func(ctx context.Context, loc layout.Location, taskID int, in *arena.Arena) error

// RestartFunc lets a module inspect or adjust restored state immediately
// after the restart procedure finishes rehydrating a pool.
type RestartFunc func(ctx context.Context, poolID int) error

// Module is the full optional-callback surface a user module may
// implement. Every field besides Process may be nil.
type Module struct {
	Name        string
	APIVersion  string
	Process     TaskProcessor
	PoolPrepare PoolPrepareFunc
	PoolProcess PoolProcessFunc
	BoardPrepare BoardPrepareFunc
	TaskBoardMap TaskBoardMapFunc
	Send        SendFunc
	Receive     ReceiveFunc
	Restart     RestartFunc
	Schemas     []*layout.Schema

	// MaskSize, when > 0 and below the board's pool size, requests the
	// reversed-mask BoardPrepare policy of spec.md §4.4: only the first
	// MaskSize ENABLED tids are opened, the rest close FINISHED.
	MaskSize int
}

// Registry resolves callbacks with a user-first, built-in-fallback order:
// if the module supplies a hook, it runs; otherwise the built-in default
// behavior for that hook kicks in silently.
type Registry struct {
	module *Module
}

// New wraps a module's callback table.
func New(m *Module) *Registry {
	return &Registry{module: m}
}

// TaskBoardMap resolves to the module's override or layout.DefaultTaskBoardMap.
func (r *Registry) TaskBoardMap(dims layout.BoardDims, taskID int) layout.Location {
	if r.module.TaskBoardMap != nil {
		return r.module.TaskBoardMap(dims, taskID)
	}
	return layout.DefaultTaskBoardMap(dims, taskID)
}

// PoolPrepare resolves to the module's hook or the default POOL_CREATE_NEW.
func (r *Registry) PoolPrepare(ctx context.Context, poolID int) (PoolAction, error) {
	if r.module.PoolPrepare != nil {
		return r.module.PoolPrepare(ctx, poolID)
	}
	return PoolCreateNew, nil
}

// PoolProcess resolves to the module's hook or the default POOL_FINALIZE
// (a module with no stage logic runs exactly one stage per pool).
func (r *Registry) PoolProcess(ctx context.Context, poolID, stage int) (PoolAction, error) {
	if r.module.PoolProcess != nil {
		return r.module.PoolProcess(ctx, poolID, stage)
	}
	return PoolFinalize, nil
}

// BoardPrepare applies the module's per-cell ENABLED/DISABLED hook (or an
// all-ENABLED default) to b, honoring MaskSize's reversed-mask policy, per
// spec.md §4.4.
func (r *Registry) BoardPrepare(ctx context.Context, poolID int, dims layout.BoardDims, b *board.Board) error {
	enabled := func(taskID int) (bool, error) {
		if r.module.BoardPrepare != nil {
			return r.module.BoardPrepare(ctx, poolID, taskID)
		}
		return true, nil
	}
	mapFn := func(taskID int) layout.Location { return r.TaskBoardMap(dims, taskID) }
	return b.ApplyMask(dims.PoolSize(), r.module.MaskSize, mapFn, enabled)
}

// Process requires the module to have supplied TaskProcessor; there is no
// built-in fallback for it, since it's the module's core computation.
func (r *Registry) Process(ctx context.Context, loc layout.Location, taskID int, in *arena.Arena) error {
	return r.module.Process(ctx, loc, taskID, in)
}

// Send resolves to the module's hook or a no-op (the worker loop already
// packs every Sync=true schema buffer regardless).
func (r *Registry) Send(ctx context.Context, loc layout.Location, taskID int, out *arena.Arena) error {
	if r.module.Send != nil {
		return r.module.Send(ctx, loc, taskID, out)
	}
	return nil
}

// Receive resolves to the module's hook or a no-op.
func (r *Registry) Receive(ctx context.Context, loc layout.Location, taskID int, in *arena.Arena) error {
	if r.module.Receive != nil {
		return r.module.Receive(ctx, loc, taskID, in)
	}
	return nil
}

// Restart resolves to the module's hook or a no-op.
func (r *Registry) Restart(ctx context.Context, poolID int) error {
	if r.module.Restart != nil {
		return r.module.Restart(ctx, poolID)
	}
	return nil
}

// Schemas returns the module's declared dataset schemas.
func (r *Registry) Schemas() []*layout.Schema {
	return r.module.Schemas
}
