// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Host-facing transport/protocol contracts and the non-blocking stream
// abstraction owned by the transport bridge.

package api

import (
	"context"
)

// Transport is the surface host code uses to talk to a live connection.
// All methods are non-blocking and safe to call while the bridge task runs
// on a reactor worker.
type Transport interface {
	// Write enqueues payload for sending. It never blocks and provides no
	// backpressure of its own; use Drain to await the flush.
	Write(p []byte)

	// Drain returns the single outstanding completion signal.
	Drain() Signal

	// Close requests an orderly shutdown after pending writes are flushed.
	Close()

	// GetExtraInfo returns optional transport information or def.
	GetExtraInfo(name string, def any) any
}

// Protocol is the host capability set invoked by the bridge. Methods run
// under the host execution context. A panic inside a callback is recovered
// and logged by the caller.
type Protocol interface {
	ConnectionMade(t Transport)
	DataReceived(p []byte)
	// ConnectionLost is called once with nil on clean termination or with a
	// *TimeoutError / *IOError when the connection failed.
	ConnectionLost(err error)
}

// ProtocolFactory builds a Protocol for a new connection.
type ProtocolFactory func() (Protocol, error)

// Signal is the read side of a one-shot completion signal.
type Signal interface {
	Done() <-chan struct{}
	Resolved() bool
	// Err returns the outcome once resolved; nil means success.
	Err() error
	// OnDone registers fn to run on the host loop after resolution.
	OnDone(fn func(err error))
	// Wait blocks until resolution or ctx cancellation.
	Wait(ctx context.Context) error
}

// Stream abstracts a full-duplex, non-blocking byte stream.
type Stream interface {
	// TryRead returns ErrWouldBlock when no data is ready and io.EOF at end of stream.
	TryRead(p []byte) (n int, err error)

	// TryWrite returns ErrWouldBlock when the socket cannot accept more bytes.
	TryWrite(p []byte) (n int, err error)

	// CloseWrite half-closes the sending side.
	CloseWrite() error

	// Close releases the stream.
	Close() error

	// Register arranges for w to be woken whenever readiness changes.
	Register(w Waker) error
}
