// Package transport implements the MPI-shaped point-to-point and
// collective communication abstraction that the master and worker loops
// run over: rank/world-size identity, blocking send/receive addressed by
// peer rank, broadcast, barrier, and abort.
package transport

import (
	"context"
	"fmt"

	"github.com/oriys/mechanic/internal/wire"
)

// MasterRank is the well-known rank of the master process, per spec.md §5.
const MasterRank = 0

// Transport is the communication substrate the master and worker loops
// depend on. Implementations must guarantee per-peer FIFO ordering:
// messages sent to the same destination rank are delivered in send order.
type Transport interface {
	// Rank returns this process's rank in [0, WorldSize).
	Rank() int
	// WorldSize returns the number of ranks participating in the run.
	WorldSize() int
	// Send blocks until m has been handed to the transport for delivery
	// to dest. It does not wait for the peer to receive it.
	Send(ctx context.Context, dest int, m wire.Message) error
	// Recv blocks until a message addressed to this rank arrives from
	// any peer, or ctx is canceled.
	Recv(ctx context.Context) (from int, m wire.Message, err error)
	// RecvFrom blocks until a message from the given peer arrives.
	RecvFrom(ctx context.Context, from int) (wire.Message, error)
	// Broadcast sends m to every rank other than the caller. Only the
	// master is expected to call this.
	Broadcast(ctx context.Context, m wire.Message) error
	// Barrier blocks until every rank has called Barrier, synchronizing
	// before a new pool's stage loop begins.
	Barrier(ctx context.Context) error
	// Abort tears down the transport for every rank with the given
	// reason, used when any rank hits an unrecoverable error.
	Abort(reason string) error
	// Close releases this rank's transport resources.
	Close() error
}

// ErrAborted is returned by Send (and so by Broadcast) once Abort has been
// invoked; a Recv that is already blocked is not woken by Abort.
var ErrAborted = fmt.Errorf("transport: aborted")

// ErrClosed names the use-after-Close condition. The in-memory and TCP
// transports in this package do not return it: InMemoryTransport.Close is
// a no-op, and after TCPTransport.Close a Send fails with the connection's
// own error.
var ErrClosed = fmt.Errorf("transport: closed")
