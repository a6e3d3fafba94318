//go:build linux
// +build linux

package transport_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/fake"
	"github.com/momentics/hioload-bridge/transport"
)

func tcpPair(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.AcceptTCP()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err = net.DialTCP("tcp", nil, ln.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	return client, server
}

func TestTCPStreamNonBlockingIO(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server := tcpPair(t)
	defer client.Close()

	r := fake.NewReactor()
	s, err := transport.NewTCPStream(server, r)
	require.NoError(t, err)
	require.NotNil(t, s.LocalAddr())
	require.Equal(t, client.LocalAddr().String(), s.RemoteAddr().String())

	require.NoError(t, s.Register(api.WakerFunc(func() {})))
	require.NoError(t, s.Register(api.WakerFunc(func() {})))
	require.Equal(t, 1, r.Registered())

	buf := make([]byte, 64)
	_, err = s.TryRead(buf)
	require.ErrorIs(t, err, api.ErrWouldBlock)

	_, err = client.Write([]byte("hi"))
	require.NoError(t, err)
	var got []byte
	require.Eventually(t, func() bool {
		n, err := s.TryRead(buf)
		if err != nil {
			return false
		}
		got = append(got, buf[:n]...)
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "hi", string(got))

	n, err := s.TryWrite([]byte("yo"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, s.CloseWrite())
	require.NoError(t, s.CloseWrite())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, "yo", string(reply))

	require.NoError(t, client.CloseWrite())
	require.Eventually(t, func() bool {
		_, err := s.TryRead(buf)
		return errors.Is(err, io.EOF)
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, 0, r.Registered())
	require.ErrorIs(t, s.Register(api.WakerFunc(func() {})), api.ErrTransportClosed)
}

func TestTCPStreamWithoutReactor(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()

	s, err := transport.NewTCPStream(server, nil)
	require.NoError(t, err)
	defer s.Close()
	require.ErrorIs(t, s.Register(api.WakerFunc(func() {})), api.ErrNotSupported)
}
