package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/mechanic/internal/wire"
)

// envelope pairs a message with the rank that sent it.
type envelope struct {
	from int
	msg  wire.Message
}

// InMemoryHub wires together a fixed-size fleet of in-process ranks
// without a socket, the way joeycumines-go-utilpkg/inprocgrpc dispatches
// RPCs directly between in-process client and server stubs. Useful for
// deterministic unit and scenario tests of the master/worker loops.
type InMemoryHub struct {
	mu        sync.Mutex
	inboxes   []chan envelope
	aborted   bool
	reason    string
	barrierMu sync.Mutex
	barrierN  int
	barrierCh chan struct{}
}

// NewInMemoryHub creates a hub for worldSize ranks, each with a buffered
// inbox so sends never block on a slow receiver within test scenarios.
func NewInMemoryHub(worldSize int) *InMemoryHub {
	h := &InMemoryHub{inboxes: make([]chan envelope, worldSize)}
	for i := range h.inboxes {
		h.inboxes[i] = make(chan envelope, 1024)
	}
	h.resetBarrier()
	return h
}

func (h *InMemoryHub) resetBarrier() {
	h.barrierMu.Lock()
	defer h.barrierMu.Unlock()
	h.barrierN = 0
	h.barrierCh = make(chan struct{})
}

// Rank returns an InMemoryTransport bound to rank r on this hub.
func (h *InMemoryHub) Rank(r int) *InMemoryTransport {
	return &InMemoryTransport{hub: h, rank: r}
}

// InMemoryTransport is one rank's view of an InMemoryHub.
type InMemoryTransport struct {
	hub  *InMemoryHub
	rank int
}

func (t *InMemoryTransport) Rank() int      { return t.rank }
func (t *InMemoryTransport) WorldSize() int { return len(t.hub.inboxes) }

func (t *InMemoryTransport) Send(ctx context.Context, dest int, m wire.Message) error {
	t.hub.mu.Lock()
	if t.hub.aborted {
		t.hub.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAborted, t.hub.reason)
	}
	t.hub.mu.Unlock()
	if dest < 0 || dest >= len(t.hub.inboxes) {
		return fmt.Errorf("transport: send to invalid rank %d", dest)
	}
	select {
	case t.hub.inboxes[dest] <- envelope{from: t.rank, msg: m}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *InMemoryTransport) Recv(ctx context.Context) (int, wire.Message, error) {
	select {
	case e := <-t.hub.inboxes[t.rank]:
		return e.from, e.msg, nil
	case <-ctx.Done():
		return 0, wire.Message{}, ctx.Err()
	}
}

func (t *InMemoryTransport) RecvFrom(ctx context.Context, from int) (wire.Message, error) {
	// Simple filtering receive: pull until a message from the desired
	// peer arrives, requeueing mismatches. Acceptable for the bounded,
	// cooperative test scenarios this transport serves.
	var pending []envelope
	defer func() {
		for _, e := range pending {
			t.hub.inboxes[t.rank] <- e
		}
	}()
	for {
		select {
		case e := <-t.hub.inboxes[t.rank]:
			if e.from == from {
				return e.msg, nil
			}
			pending = append(pending, e)
		case <-ctx.Done():
			return wire.Message{}, ctx.Err()
		}
	}
}

func (t *InMemoryTransport) Broadcast(ctx context.Context, m wire.Message) error {
	for r := 0; r < len(t.hub.inboxes); r++ {
		if r == t.rank {
			continue
		}
		if err := t.Send(ctx, r, m); err != nil {
			return err
		}
	}
	return nil
}

func (t *InMemoryTransport) Barrier(ctx context.Context) error {
	h := t.hub
	h.barrierMu.Lock()
	h.barrierN++
	ch := h.barrierCh
	if h.barrierN == len(h.inboxes) {
		close(ch)
		h.barrierMu.Unlock()
		h.resetBarrier()
		return nil
	}
	h.barrierMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *InMemoryTransport) Abort(reason string) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.hub.aborted = true
	t.hub.reason = reason
	return nil
}

func (t *InMemoryTransport) Close() error { return nil }
