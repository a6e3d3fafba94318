//go:build !linux
// +build !linux

// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import (
	"fmt"
	"net"

	"github.com/momentics/hioload-bridge/api"
)

// TCPStream is unavailable without the epoll reactor.
type TCPStream struct{}

// NewTCPStream returns api.ErrNotSupported on this platform.
func NewTCPStream(conn *net.TCPConn, r api.Reactor) (*TCPStream, error) {
	return nil, fmt.Errorf("tcp stream: %w", api.ErrNotSupported)
}

func (s *TCPStream) TryRead(p []byte) (int, error)  { return 0, api.ErrNotSupported }
func (s *TCPStream) TryWrite(p []byte) (int, error) { return 0, api.ErrNotSupported }
func (s *TCPStream) CloseWrite() error              { return api.ErrNotSupported }
func (s *TCPStream) Close() error                   { return nil }
func (s *TCPStream) Register(w api.Waker) error     { return api.ErrNotSupported }
func (s *TCPStream) LocalAddr() net.Addr            { return nil }
func (s *TCPStream) RemoteAddr() net.Addr           { return nil }
