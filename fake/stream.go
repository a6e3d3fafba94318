// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the stream, protocol
// and loop collaborators of the transport bridge.

package fake

import (
	"io"
	"net"
	"sync"

	"github.com/momentics/hioload-bridge/api"
)

// Unlimited write capacity.
const Unlimited = -1

// Stream is a scripted, non-blocking api.Stream.
type Stream struct {
	mu            sync.Mutex
	inbound       [][]byte
	eof           bool
	readErr       error
	writeErr      error
	closeWriteErr error
	registerErr   error
	capacity      int
	written       []byte
	writeCalls    int
	writeClosed   bool
	closed        bool
	closeCalls    int
	waker         api.Waker
	local, remote net.Addr
}

// NewStream creates a stream with unlimited write capacity and no input.
func NewStream() *Stream {
	return &Stream{capacity: Unlimited}
}

// TryRead implements api.Stream.
func (s *Stream) TryRead(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, api.ErrTransportClosed
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	if len(s.inbound) > 0 {
		n := copy(p, s.inbound[0])
		if n == len(s.inbound[0]) {
			s.inbound = s.inbound[1:]
		} else {
			s.inbound[0] = s.inbound[0][n:]
		}
		return n, nil
	}
	if s.eof {
		return 0, io.EOF
	}
	return 0, api.ErrWouldBlock
}

// TryWrite implements api.Stream.
func (s *Stream) TryWrite(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.closed || s.writeClosed {
		return 0, api.ErrTransportClosed
	}
	n := len(p)
	if s.capacity != Unlimited {
		if s.capacity == 0 {
			return 0, api.ErrWouldBlock
		}
		n = min(n, s.capacity)
		s.capacity -= n
	}
	s.written = append(s.written, p[:n]...)
	return n, nil
}

// CloseWrite implements api.Stream.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeWriteErr != nil {
		return s.closeWriteErr
	}
	s.writeClosed = true
	return nil
}

// Close implements api.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closed = true
	return nil
}

// Register implements api.Stream.
func (s *Stream) Register(w api.Waker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return s.registerErr
	}
	s.waker = w
	return nil
}

func (s *Stream) LocalAddr() net.Addr  { return s.local }
func (s *Stream) RemoteAddr() net.Addr { return s.remote }

// SetAddrs configures the addresses reported to GetExtraInfo.
func (s *Stream) SetAddrs(local, remote net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local, s.remote = local, remote
}

// Feed queues inbound bytes and signals readiness.
func (s *Stream) Feed(p []byte) {
	s.mu.Lock()
	s.inbound = append(s.inbound, append([]byte(nil), p...))
	s.mu.Unlock()
	s.wake()
}

// FeedEOF marks the end of the inbound script and signals readiness.
func (s *Stream) FeedEOF() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
	s.wake()
}

// SetReadError makes every following TryRead fail with err.
func (s *Stream) SetReadError(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	s.wake()
}

// SetWriteError makes every following TryWrite fail with err.
func (s *Stream) SetWriteError(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
	s.wake()
}

// SetCloseWriteError configures the error returned by CloseWrite.
func (s *Stream) SetCloseWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeWriteErr = err
}

// SetRegisterError configures the error returned by Register.
func (s *Stream) SetRegisterError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerErr = err
}

// SetWriteCapacity sets how many more bytes TryWrite accepts before it
// would block. Unlimited removes the bound. Readiness is signalled.
func (s *Stream) SetWriteCapacity(n int) {
	s.mu.Lock()
	s.capacity = n
	s.mu.Unlock()
	s.wake()
}

// Written returns a copy of every byte accepted so far.
func (s *Stream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// WriteCalls returns the number of TryWrite calls.
func (s *Stream) WriteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCalls
}

// WriteClosed reports whether CloseWrite succeeded.
func (s *Stream) WriteClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeClosed
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns the number of Close calls.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Registered reports whether a waker was registered.
func (s *Stream) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waker != nil
}

func (s *Stream) wake() {
	s.mu.Lock()
	w := s.waker
	s.mu.Unlock()
	if w != nil {
		w.Wake()
	}
}
