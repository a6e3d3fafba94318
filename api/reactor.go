// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for event-driven IO reactors that wake
// bridge tasks when their sockets become ready.

package api

// Reactor multiplexes readiness notifications for registered descriptors.
type Reactor interface {
	// Register associates fd with w; w is woken on every readiness edge.
	Register(fd int, w Waker) error

	// Deregister stops notifications for fd.
	Deregister(fd int) error

	// Run dispatches readiness events until Close is called.
	Run() error

	// Close stops Run and releases the poller backend.
	Close() error
}
