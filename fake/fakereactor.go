// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"

	"github.com/momentics/hioload-bridge/api"
)

// Reactor records registrations and wakes them only when told to.
type Reactor struct {
	mu     sync.Mutex
	wakers map[int]api.Waker
	closed bool
	stop   chan struct{}
}

// NewReactor returns an empty fake reactor.
func NewReactor() *Reactor {
	return &Reactor{wakers: make(map[int]api.Waker), stop: make(chan struct{})}
}

func (r *Reactor) Register(fd int, w api.Waker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return api.ErrTransportClosed
	}
	r.wakers[fd] = w
	return nil
}

func (r *Reactor) Deregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.wakers, fd)
	return nil
}

func (r *Reactor) Run() error {
	<-r.stop
	return nil
}

func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.stop)
	}
	return nil
}

// Registered implements reactor.EventReactor.
func (r *Reactor) Registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wakers)
}

// Fire wakes the waker registered for fd and reports whether there was one.
func (r *Reactor) Fire(fd int) bool {
	r.mu.Lock()
	w := r.wakers[fd]
	r.mu.Unlock()
	if w == nil {
		return false
	}
	w.Wake()
	return true
}

// FireAll wakes every registered waker.
func (r *Reactor) FireAll() {
	r.mu.Lock()
	ws := make([]api.Waker, 0, len(r.wakers))
	for _, w := range r.wakers {
		ws = append(ws, w)
	}
	r.mu.Unlock()
	for _, w := range ws {
		w.Wake()
	}
}

// FDs returns the registered descriptors.
func (r *Reactor) FDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	fds := make([]int, 0, len(r.wakers))
	for fd := range r.wakers {
		fds = append(fds, fd)
	}
	return fds
}
