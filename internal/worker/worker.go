// Package worker implements the worker-rank loop: receive a task, unpack
// it into buffers, run the module's computation, pack the results, send
// them back. Workers never touch the archive or the board directly.
package worker

import (
	"context"
	"fmt"

	"github.com/oriys/mechanic/internal/arena"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/registry"
	"github.com/oriys/mechanic/internal/transport"
	"github.com/oriys/mechanic/internal/wire"
)

// Worker runs the receive/unpack/compute/pack/send loop for one rank.
type Worker struct {
	trans transport.Transport
	reg   *registry.Registry
	dims  layout.BoardDims
}

// New creates a Worker bound to trans, which must not be rank 0.
func New(trans transport.Transport, reg *registry.Registry, dims layout.BoardDims) (*Worker, error) {
	if trans.Rank() == transport.MasterRank {
		return nil, fmt.Errorf("worker: transport rank %d is the master rank", trans.Rank())
	}
	return &Worker{trans: trans, reg: reg, dims: dims}, nil
}

// Run blocks processing tasks from the master until it receives
// TAG_TERMINATE or ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.trans.RecvFrom(ctx, transport.MasterRank)
		if err != nil {
			return fmt.Errorf("worker: recv: %w", err)
		}
		switch msg.Header.Tag {
		case wire.TagTerminate:
			return nil
		case wire.TagAbort:
			return fmt.Errorf("worker: master requested abort")
		case wire.TagData:
			if err := w.processTask(ctx, msg); err != nil {
				return err
			}
		default:
			return fmt.Errorf("worker: unknown message tag %d", msg.Header.Tag)
		}
	}
}

func (w *Worker) processTask(ctx context.Context, msg wire.Message) error {
	loc := layout.Location{X: int(msg.Header.LocX), Y: int(msg.Header.LocY), Z: int(msg.Header.LocZ)}
	taskID := int(msg.Header.TaskID)

	in := arena.New(0)
	for _, s := range w.reg.Schemas() {
		if _, err := in.Allocate(s, nil); err != nil {
			return fmt.Errorf("worker: allocate %s: %w", s.Name, err)
		}
	}

	if err := w.reg.Process(ctx, loc, taskID, in); err != nil {
		return fmt.Errorf("worker: process task %d at %+v: %w", taskID, loc, err)
	}
	if err := w.reg.Send(ctx, loc, taskID, in); err != nil {
		return fmt.Errorf("worker: send hook for task %d: %w", taskID, err)
	}

	var body []byte
	for _, s := range w.reg.Schemas() {
		if !s.Sync {
			continue
		}
		buf, ok := in.Get(s.Name)
		if !ok {
			continue
		}
		body = append(body, buf.Bytes()...)
	}

	reply := wire.Message{Header: wire.Header{
		Tag:    wire.TagResult,
		TaskID: int32(taskID),
		LocX:   msg.Header.LocX,
		LocY:   msg.Header.LocY,
		LocZ:   msg.Header.LocZ,
	}, Body: body}
	if err := w.trans.Send(ctx, transport.MasterRank, reply); err != nil {
		return fmt.Errorf("worker: send result for task %d: %w", taskID, err)
	}
	return nil
}
