// Package future implements the single-assignment completion signal used
// to report flush completion back to host code.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package future

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-bridge/api"
)

// Scheduler posts callbacks onto the host loop. A Scheduler that also has
// a Logger() *slog.Logger method gets callbacks it refused logged there.
type Scheduler interface {
	CallSoon(fn func()) error
}

// Ensure compile-time API compliance.
var _ api.Signal = (*Future)(nil)

// Future is resolved at most once with a success (nil) or failure outcome.
// It is safe to share between the goroutine that creates it and the one
// that resolves it.
type Future struct {
	loop     Scheduler
	resolved atomic.Bool
	done     chan struct{}

	mu        sync.Mutex
	err       error
	callbacks []func(error)
}

// New returns an unresolved future bound to loop. A nil loop runs done
// callbacks inline on the resolving goroutine.
func New(loop Scheduler) *Future {
	return &Future{loop: loop, done: make(chan struct{})}
}

// Resolved returns a future that already carries err as its outcome.
func Resolved(loop Scheduler, err error) *Future {
	f := New(loop)
	f.Resolve(err)
	return f
}

// Resolve assigns the outcome. It reports false, changing nothing, if the
// future was already resolved.
func (f *Future) Resolve(err error) bool {
	if !f.resolved.CompareAndSwap(false, true) {
		return false
	}
	f.mu.Lock()
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()
	close(f.done)
	for _, cb := range cbs {
		f.schedule(cb, err)
	}
	return true
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Resolved reports whether an outcome has been assigned.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the outcome, or nil while unresolved.
func (f *Future) Err() error {
	select {
	case <-f.done:
	default:
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// OnDone registers fn; it runs on the host loop after resolution, or is
// scheduled immediately if the future is already resolved. Once the loop
// has stopped, fn never runs.
func (f *Future) OnDone(fn func(err error)) {
	f.mu.Lock()
	if !f.resolved.Load() {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	// Resolve may still be publishing; wait for done before reading err.
	f.mu.Unlock()
	<-f.done
	f.schedule(fn, f.Err())
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) schedule(fn func(error), err error) {
	if f.loop == nil {
		fn(err)
		return
	}
	if cerr := f.loop.CallSoon(func() { fn(err) }); cerr != nil {
		if l, ok := f.loop.(interface{ Logger() *slog.Logger }); ok {
			l.Logger().Debug("done callback dropped", "outcome", err, "err", cerr)
		}
	}
}
