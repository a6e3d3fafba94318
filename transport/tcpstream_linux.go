//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-bridge/api"
)

// Ensure compile-time API compliance.
var _ api.Stream = (*TCPStream)(nil)

// TCPStream drives a connected TCP socket with raw non-blocking syscalls and
// reports readiness through the reactor. Only the bridge task touches it.
type TCPStream struct {
	conn    *net.TCPConn
	fd      int
	reactor api.Reactor

	mu         sync.Mutex
	registered bool
	writeShut  bool
	closed     bool
}

// NewTCPStream takes ownership of conn. TCP_NODELAY is enabled.
func NewTCPStream(conn *net.TCPConn, r api.Reactor) (*TCPStream, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn: %w", err)
	}
	s := &TCPStream{conn: conn, fd: -1, reactor: r}
	var serr error
	err = raw.Control(func(fd uintptr) {
		s.fd = int(fd)
		serr = unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("raw control: %w", err)
	}
	if serr != nil {
		return nil, os.NewSyscallError("setsockopt", serr)
	}
	return s, nil
}

// TryRead implements api.Stream.
func (s *TCPStream) TryRead(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, api.ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// TryWrite implements api.Stream.
func (s *TCPStream) TryWrite(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, api.ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

// CloseWrite sends FIN. A peer that already went away is not an error.
func (s *TCPStream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeShut || s.closed {
		return nil
	}
	s.writeShut = true
	if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil && err != unix.ENOTCONN {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

// Close deregisters the socket and closes it. Idempotent.
func (s *TCPStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	registered := s.registered
	s.mu.Unlock()
	if registered && s.reactor != nil {
		_ = s.reactor.Deregister(s.fd)
	}
	return s.conn.Close()
}

// Register implements api.Stream.
func (s *TCPStream) Register(w api.Waker) error {
	if s.reactor == nil {
		return fmt.Errorf("tcp stream without reactor: %w", api.ErrNotSupported)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return api.ErrTransportClosed
	}
	if s.registered {
		return nil
	}
	if err := s.reactor.Register(s.fd, w); err != nil {
		return err
	}
	s.registered = true
	return nil
}

func (s *TCPStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *TCPStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
