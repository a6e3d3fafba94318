// File: internal/concurrency/hostlock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HostLock models the host runtime's global execution context. Every call
// into host code happens under a Guard obtained from Acquire and released
// right after the call; a Guard is never held across a suspension point.
// Code already running under a Guard hands that Guard down instead of
// acquiring again: Acquire under a different owner would wait on itself.

package concurrency

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-bridge/api"
)

// Owner identifies a logical holder of the host context (a bridge task,
// the host event loop, a factory call).
type Owner uint64

// NoOwner is the holder value while the context is free.
const NoOwner Owner = 0

var ownerSeq atomic.Uint64

// NewOwner mints a process-unique Owner.
func NewOwner() Owner {
	return Owner(ownerSeq.Add(1))
}

// HostLock serializes access to host state.
type HostLock struct {
	ctx sync.Mutex

	mu     sync.Mutex // protects holder
	holder Owner

	acquisitions atomic.Uint64
	reentrant    atomic.Uint64
}

// NewHostLock returns a free host context.
func NewHostLock() *HostLock {
	return &HostLock{}
}

// Acquire blocks until the context is free and returns a Guard for owner.
// It fails with api.ErrReentrantAcquire if owner already holds the context.
func (l *HostLock) Acquire(owner Owner) (*Guard, error) {
	if owner == NoOwner {
		return nil, api.ErrInvalidArgument
	}
	l.mu.Lock()
	if l.holder == owner {
		l.mu.Unlock()
		l.reentrant.Add(1)
		return nil, api.ErrReentrantAcquire
	}
	l.mu.Unlock()

	l.ctx.Lock()
	l.mu.Lock()
	l.holder = owner
	l.mu.Unlock()
	l.acquisitions.Add(1)
	return &Guard{lock: l, owner: owner}, nil
}

// With runs fn under a scoped guard for owner.
func (l *HostLock) With(owner Owner, fn func()) error {
	g, err := l.Acquire(owner)
	if err != nil {
		return err
	}
	defer g.Release()
	fn()
	return nil
}

// Holder returns the current holder or NoOwner.
func (l *HostLock) Holder() Owner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// Holds reports whether g is an unreleased guard on l.
func (l *HostLock) Holds(g *Guard) bool {
	return g != nil && g.lock == l && !g.released.Load()
}

// Acquisitions counts successful Acquire calls.
func (l *HostLock) Acquisitions() uint64 { return l.acquisitions.Load() }

// ReentrantAttempts counts rejected reentrant Acquire calls.
func (l *HostLock) ReentrantAttempts() uint64 { return l.reentrant.Load() }

// Guard is a scoped hold on the host context.
type Guard struct {
	lock     *HostLock
	owner    Owner
	released atomic.Bool
}

// Owner returns the guard's holder.
func (g *Guard) Owner() Owner { return g.owner }

// Release gives the context back. A second Release returns api.ErrNotHeld.
func (g *Guard) Release() error {
	if !g.released.CompareAndSwap(false, true) {
		return api.ErrNotHeld
	}
	g.lock.mu.Lock()
	g.lock.holder = NoOwner
	g.lock.mu.Unlock()
	g.lock.ctx.Unlock()
	return nil
}
