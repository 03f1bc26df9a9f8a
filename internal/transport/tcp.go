package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/oriys/mechanic/internal/wire"
)

// dialBackoff mirrors the three-attempt exponential backoff schedule of
// internal/firecracker/vsock.go's Execute/ExecuteWithTrace retry loop.
var dialBackoff = []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond}

// isBrokenConnErr reports whether err indicates a dead TCP connection,
// copied verbatim in spirit from internal/firecracker/vsock.go.
func isBrokenConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ENOTCONN)
}

// TCPTransport is a star-topology transport: the master listens, every
// worker dials in, and a worker exchanges messages only with the master.
// A worker's Send to another worker returns an error; the master does not
// relay. This matches the one-pending-task-per-worker dispatch model of
// spec.md §4.6, where workers never need to talk to each other directly.
type TCPTransport struct {
	rank      int
	worldSize int

	mu      sync.Mutex
	peers   map[int]*peerConn // master-side: dest rank -> connection
	master  *peerConn         // worker-side: connection to the master
	aborted bool
	reason  string

	masterListener net.Listener
	masterInbox    chan envelope
	barrierCh      chan struct{}
	barrierN       int
	barrierMu      sync.Mutex
}

type peerConn struct {
	mu sync.Mutex
	fw *wire.FrameWriter
	fr *wire.FrameReader
	c  net.Conn
}

// ListenMaster starts rank 0 listening for worker connections, accepting
// exactly worldSize-1 of them before returning.
func ListenMaster(ctx context.Context, addr string, worldSize int) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t := &TCPTransport{
		rank:           MasterRank,
		worldSize:      worldSize,
		peers:          make(map[int]*peerConn),
		masterListener: ln,
		masterInbox:    make(chan envelope, 1024),
	}
	for i := 0; i < worldSize-1; i++ {
		conn, err := ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("transport: accept worker %d: %w", i, err)
		}
		pc := &peerConn{c: conn, fw: wire.NewFrameWriter(conn), fr: wire.NewFrameReader(conn)}
		var rank int32
		if err := readHandshake(pc, &rank); err != nil {
			return nil, fmt.Errorf("transport: handshake: %w", err)
		}
		t.mu.Lock()
		t.peers[int(rank)] = pc
		t.mu.Unlock()
		go t.pumpFromPeer(int(rank), pc)
	}
	return t, nil
}

// DialWorker connects rank to the master at addr, retrying per
// dialBackoff the way redialAndInitLocked does in the teacher.
func DialWorker(ctx context.Context, addr string, rank, worldSize int) (*TCPTransport, error) {
	var conn net.Conn
	var err error
	for attempt := 0; ; attempt++ {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if attempt >= len(dialBackoff) {
			return nil, fmt.Errorf("transport: dial master at %s: %w", addr, err)
		}
		select {
		case <-time.After(dialBackoff[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	pc := &peerConn{c: conn, fw: wire.NewFrameWriter(conn), fr: wire.NewFrameReader(conn)}
	if err := writeHandshake(pc, int32(rank)); err != nil {
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}
	t := &TCPTransport{
		rank:        rank,
		worldSize:   worldSize,
		master:      pc,
		masterInbox: make(chan envelope, 1024),
	}
	go t.pumpFromPeer(MasterRank, pc)
	return t, nil
}

// handshake wire format: a single-field wire.Message carrying the rank in
// Header.TaskID, reusing the same framed codec as data traffic.
func writeHandshake(pc *peerConn, rank int32) error {
	return pc.fw.WriteMessage(wire.Message{Header: wire.Header{Tag: wire.TagData, TaskID: rank}})
}

func readHandshake(pc *peerConn, rank *int32) error {
	m, err := pc.fr.ReadMessage()
	if err != nil {
		return err
	}
	*rank = m.Header.TaskID
	return nil
}

func (t *TCPTransport) pumpFromPeer(from int, pc *peerConn) {
	for {
		m, err := pc.fr.ReadMessage()
		if err != nil {
			if isBrokenConnErr(err) || errors.Is(err, io.EOF) {
				return
			}
			return
		}
		t.masterInbox <- envelope{from: from, msg: m}
	}
}

func (t *TCPTransport) Rank() int      { return t.rank }
func (t *TCPTransport) WorldSize() int { return t.worldSize }

func (t *TCPTransport) connFor(dest int) (*peerConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		return nil, fmt.Errorf("%w: %s", ErrAborted, t.reason)
	}
	if t.rank == MasterRank {
		pc, ok := t.peers[dest]
		if !ok {
			return nil, fmt.Errorf("transport: no connection to rank %d", dest)
		}
		return pc, nil
	}
	if dest != MasterRank {
		return nil, fmt.Errorf("transport: worker rank %d cannot send directly to rank %d", t.rank, dest)
	}
	return t.master, nil
}

func (t *TCPTransport) Send(ctx context.Context, dest int, m wire.Message) error {
	pc, err := t.connFor(dest)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.fw.WriteMessage(m)
}

func (t *TCPTransport) Recv(ctx context.Context) (int, wire.Message, error) {
	select {
	case e := <-t.masterInbox:
		return e.from, e.msg, nil
	case <-ctx.Done():
		return 0, wire.Message{}, ctx.Err()
	}
}

func (t *TCPTransport) RecvFrom(ctx context.Context, from int) (wire.Message, error) {
	var pending []envelope
	defer func() {
		for _, e := range pending {
			t.masterInbox <- e
		}
	}()
	for {
		select {
		case e := <-t.masterInbox:
			if e.from == from {
				return e.msg, nil
			}
			pending = append(pending, e)
		case <-ctx.Done():
			return wire.Message{}, ctx.Err()
		}
	}
}

func (t *TCPTransport) Broadcast(ctx context.Context, m wire.Message) error {
	if t.rank != MasterRank {
		return fmt.Errorf("transport: only the master may broadcast")
	}
	t.mu.Lock()
	dests := make([]int, 0, len(t.peers))
	for r := range t.peers {
		dests = append(dests, r)
	}
	t.mu.Unlock()
	for _, r := range dests {
		if err := t.Send(ctx, r, m); err != nil {
			return err
		}
	}
	return nil
}

func (t *TCPTransport) Barrier(ctx context.Context) error {
	// A star topology's barrier is a broadcast-then-collect round-trip
	// through the master; workers simply echo a TagData marker back.
	if t.rank == MasterRank {
		if err := t.Broadcast(ctx, wire.Message{Header: wire.Header{Tag: wire.TagData, TaskID: -1}}); err != nil {
			return err
		}
		t.mu.Lock()
		n := len(t.peers)
		t.mu.Unlock()
		for i := 0; i < n; i++ {
			if _, _, err := t.Recv(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	if _, err := t.RecvFrom(ctx, MasterRank); err != nil {
		return err
	}
	return t.Send(ctx, MasterRank, wire.Message{Header: wire.Header{Tag: wire.TagData, TaskID: -1}})
}

func (t *TCPTransport) Abort(reason string) error {
	t.mu.Lock()
	t.aborted = true
	t.reason = reason
	t.mu.Unlock()
	return t.Close()
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rank == MasterRank {
		for _, pc := range t.peers {
			_ = pc.c.Close()
		}
		if t.masterListener != nil {
			_ = t.masterListener.Close()
		}
		return nil
	}
	if t.master != nil {
		return t.master.c.Close()
	}
	return nil
}
