//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based reactor implementation and factory.

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-bridge/api"
)

const (
	maxEvents   = 128
	watchEvents = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET
)

// linuxReactor is an epoll-based event reactor. An eventfd interrupts
// EpollWait on Close.
type linuxReactor struct {
	epfd int
	evfd int

	mu      sync.RWMutex
	wakers  map[int]api.Waker
	running bool
	closed  bool
	done    chan struct{}
}

// NewReactor constructs a new platform-specific EventReactor for Linux.
func NewReactor() (EventReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(evfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd, ev); err != nil {
		unix.Close(evfd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	return &linuxReactor{
		epfd:   epfd,
		evfd:   evfd,
		wakers: make(map[int]api.Waker),
		done:   make(chan struct{}),
	}, nil
}

// Register adds fd to the watch list, edge-triggered for read, write and
// peer hangup. The waker is stored first because an edge may fire at once.
func (r *linuxReactor) Register(fd int, w api.Waker) error {
	if w == nil {
		return api.ErrInvalidArgument
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.wakers[fd] = w
	r.mu.Unlock()

	ev := &unix.EpollEvent{Events: watchEvents, Fd: int32(fd)}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	if errors.Is(err, unix.EEXIST) {
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	}
	if err != nil {
		r.mu.Lock()
		delete(r.wakers, fd)
		r.mu.Unlock()
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Deregister removes fd. A descriptor already closed is not an error.
func (r *linuxReactor) Deregister(fd int) error {
	r.mu.Lock()
	_, ok := r.wakers[fd]
	delete(r.wakers, fd)
	closed := r.closed
	r.mu.Unlock()
	if !ok || closed {
		return nil
	}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Registered implements EventReactor.
func (r *linuxReactor) Registered() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.wakers)
}

// Run blocks dispatching readiness edges to wakers until Close.
func (r *linuxReactor) Run() error {
	r.mu.Lock()
	if r.closed || r.running {
		r.mu.Unlock()
		return ErrClosed
	}
	r.running = true
	r.mu.Unlock()
	defer close(r.done)

	var events [maxEvents]unix.EpollEvent
	for {
		n, err := unix.EpollWait(r.epfd, events[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.evfd {
				var buf [8]byte
				_, _ = unix.Read(r.evfd, buf[:])
				r.mu.RLock()
				closed := r.closed
				r.mu.RUnlock()
				if closed {
					return nil
				}
				continue
			}
			r.mu.RLock()
			w := r.wakers[fd]
			r.mu.RUnlock()
			if w != nil {
				wake(w)
			}
		}
	}
}

// wake keeps the reactor alive across a misbehaving waker.
func wake(w api.Waker) {
	defer func() { _ = recover() }()
	w.Wake()
}

// Close stops Run, waits for it to return and releases the descriptors.
func (r *linuxReactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	running := r.running
	r.wakers = make(map[int]api.Waker)
	r.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(r.evfd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	if running {
		<-r.done
	}
	unix.Close(r.evfd)
	return unix.Close(r.epfd)
}
