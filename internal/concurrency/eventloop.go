// File: internal/concurrency/eventloop.go
// Package concurrency implements the host runtime's cooperative event loop.
//
// The loop runs posted callbacks one at a time on a single goroutine, each
// under the HostLock, mirroring the single-threaded host interpreter the
// transport bridge talks to.

package concurrency

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-bridge/api"
)

// EventLoop is the host's cooperative callback loop.
type EventLoop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   *queue.Queue // FIFO of func(*Guard)
	lock    *HostLock
	owner   Owner
	logger  *slog.Logger
	running bool
	closed  bool
	stopped chan struct{}

	processed uint64
}

// NewEventLoop creates a loop bound to lock.
func NewEventLoop(lock *HostLock, logger *slog.Logger) *EventLoop {
	if logger == nil {
		logger = slog.Default()
	}
	el := &EventLoop{
		queue:   queue.New(),
		lock:    lock,
		owner:   NewOwner(),
		logger:  logger.With("component", "eventloop"),
		stopped: make(chan struct{}),
	}
	el.cond = sync.NewCond(&el.mu)
	return el
}

// Owner is the identity the loop holds the host context under.
func (el *EventLoop) Owner() Owner { return el.owner }

// HostLock returns the loop's execution context.
func (el *EventLoop) HostLock() *HostLock { return el.lock }

// Pending returns the number of queued callbacks.
func (el *EventLoop) Pending() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.queue.Length()
}

// Logger returns the loop's logger.
func (el *EventLoop) Logger() *slog.Logger { return el.logger }

// CallSoon posts fn for execution on the loop. Safe from any goroutine.
func (el *EventLoop) CallSoon(fn func()) error {
	return el.CallSoonWithGuard(func(*Guard) { fn() })
}

// CallSoonWithGuard is CallSoon for callbacks that need the guard the loop
// holds while running them, to hand it to nested host-context work.
func (el *EventLoop) CallSoonWithGuard(fn func(g *Guard)) error {
	el.mu.Lock()
	if el.closed {
		el.mu.Unlock()
		return api.ErrLoopClosed
	}
	el.queue.Add(fn)
	el.mu.Unlock()
	el.cond.Signal()
	return nil
}

// RunSync posts fn and waits until it has run on the loop.
// It must not be called from a loop callback.
func (el *EventLoop) RunSync(fn func()) error {
	return el.RunSyncWithGuard(func(*Guard) { fn() })
}

// RunSyncWithGuard is RunSync handing fn the loop's guard.
func (el *EventLoop) RunSyncWithGuard(fn func(g *Guard)) error {
	done := make(chan struct{})
	if err := el.CallSoonWithGuard(func(g *Guard) {
		defer close(done)
		fn(g)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-el.stopped:
		select {
		case <-done:
			return nil
		default:
			return api.ErrLoopClosed
		}
	}
}

// Run executes callbacks until Stop. Callbacks posted before Stop are drained.
func (el *EventLoop) Run() {
	el.mu.Lock()
	if el.running {
		el.mu.Unlock()
		return
	}
	el.running = true
	el.mu.Unlock()
	defer close(el.stopped)

	for {
		fn, ok := el.next()
		if !ok {
			return
		}
		el.dispatch(fn)
	}
}

// Stop closes the loop for new callbacks and waits for Run to drain and exit.
// Calling Stop on a loop that never ran just closes it.
func (el *EventLoop) Stop() {
	el.mu.Lock()
	if el.closed {
		running := el.running
		el.mu.Unlock()
		if running {
			<-el.stopped
		}
		return
	}
	el.closed = true
	running := el.running
	el.mu.Unlock()
	el.cond.Broadcast()
	if running {
		<-el.stopped
	}
}

// Processed returns the number of callbacks executed so far.
func (el *EventLoop) Processed() uint64 {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.processed
}

func (el *EventLoop) next() (func(*Guard), bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	for el.queue.Length() == 0 {
		if el.closed {
			return nil, false
		}
		el.cond.Wait()
	}
	el.processed++
	return el.queue.Remove().(func(*Guard)), true
}

func (el *EventLoop) dispatch(fn func(*Guard)) {
	g, err := el.lock.Acquire(el.owner)
	if err != nil {
		el.logger.Error("host context acquire failed", "err", err)
		return
	}
	defer g.Release()
	defer func() {
		if r := recover(); r != nil {
			el.logger.Error("host callback panic", "panic", fmt.Sprint(r))
		}
	}()
	fn(g)
}
