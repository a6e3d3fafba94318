//go:build linux
// +build linux

package facade_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/facade"
	"github.com/momentics/hioload-bridge/fake"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/transport"
)

func testConfig() *facade.Config {
	cfg := facade.DefaultConfig()
	cfg.NumWorkers = 2
	cfg.DialAttempts = 2
	cfg.DialBackoffMin = time.Millisecond
	cfg.DialBackoffMax = 5 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func startLoop(t *testing.T) *facade.Loop {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := facade.New(testConfig(), facade.WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, l.Start())
	require.NoError(t, l.Start())
	return l
}

func echoFactory(protos chan<- *fake.Protocol) api.ProtocolFactory {
	return func() (api.Protocol, error) {
		p := fake.NewProtocol()
		p.OnData = func(tr api.Transport, b []byte) { tr.Write(b) }
		protos <- p
		return p, nil
	}
}

func waitLost(t *testing.T, p *fake.Protocol) {
	t.Helper()
	select {
	case <-p.Lost():
	case <-time.After(3 * time.Second):
		t.Fatal("connection_lost not delivered")
	}
}

func TestEchoServerOverTCP(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := startLoop(t)
	defer l.Stop()

	protos := make(chan *fake.Protocol, 1)
	srv, err := l.CreateServer(context.Background(), "127.0.0.1:0", echoFactory(protos))
	require.NoError(t, err)

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(3*time.Second)))

	_, err = client.Write([]byte("hello bridge"))
	require.NoError(t, err)
	buf := make([]byte, len("hello bridge"))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "hello bridge", string(buf))

	p := <-protos
	require.Zero(t, p.Unguarded())
	require.Eventually(t, func() bool { return l.ActiveConnections() == 1 }, 2*time.Second, 5*time.Millisecond)

	// peer half-close: EOF with nothing pending ends the connection cleanly
	require.NoError(t, client.(*net.TCPConn).CloseWrite())
	waitLost(t, p)
	require.NoError(t, p.LostErr())
	require.Eventually(t, func() bool { return l.ActiveConnections() == 0 }, 2*time.Second, 5*time.Millisecond)

	stats := l.Control().Stats()
	require.Equal(t, uint64(1), stats["transport.connections_total"])
	require.Equal(t, int64(0), stats["transport.connections_active"])
	require.Equal(t, uint64(len("hello bridge")), stats["transport.bytes_out"])
	require.Contains(t, stats, "debug.executor")

	require.NoError(t, srv.Close())
}

func TestCreateConnectionDrain(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	received := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		data, _ := io.ReadAll(c)
		received <- data
	}()

	l := startLoop(t)
	defer l.Stop()

	p := fake.NewProtocol()
	conn, err := l.CreateConnection(context.Background(), ln.Addr().String(), p.Factory())
	require.NoError(t, err)
	require.Equal(t, ln.Addr().String(), conn.Transport.GetExtraInfo("peername", nil).(net.Addr).String())

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	conn.Transport.Write(payload)
	drain := conn.Transport.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, drain.Wait(ctx))

	onDone := make(chan concurrency.Owner, 1)
	drain.OnDone(func(error) { onDone <- l.HostLock().Holder() })
	require.NotEqual(t, concurrency.NoOwner, <-onDone)

	conn.Transport.Close()
	select {
	case data := <-received:
		require.Equal(t, payload, data)
	case <-time.After(3 * time.Second):
		t.Fatal("peer did not see EOF")
	}
	waitLost(t, p)
}

func TestCreateConnectionGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	l := startLoop(t)
	defer l.Stop()

	_, err = l.CreateConnection(context.Background(), addr, fake.NewProtocol().Factory())
	require.Error(t, err)
	require.Contains(t, err.Error(), addr)
}

func TestStopClosesConnections(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := startLoop(t)

	protos := make(chan *fake.Protocol, 1)
	srv, err := l.CreateServer(context.Background(), "127.0.0.1:0", echoFactory(protos))
	require.NoError(t, err)

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	p := <-protos
	require.Eventually(t, func() bool { return l.ActiveConnections() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Stop())
	waitLost(t, p)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	_, err = l.CreateServer(context.Background(), "127.0.0.1:0", echoFactory(protos))
	require.ErrorIs(t, err, api.ErrLoopClosed)
	require.ErrorIs(t, l.Start(), api.ErrLoopClosed)
}

func TestConnectStreamWithFake(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := startLoop(t)
	defer l.Stop()

	stream := fake.NewStream()
	p := fake.NewProtocol()
	p.Lock = l.HostLock()
	conn, err := l.ConnectStream(stream, p.Factory())
	require.NoError(t, err)

	conn.Transport.Write([]byte("abc"))
	stream.Feed([]byte("xyz"))
	require.Eventually(t, func() bool {
		return string(stream.Written()) == "abc" && string(p.Received()) == "xyz"
	}, 2*time.Second, 5*time.Millisecond)

	stream.FeedEOF()
	waitLost(t, p)
	require.Zero(t, p.Unguarded())
	require.True(t, stream.Closed())
}

func TestRunSyncUsesHostContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := startLoop(t)
	defer l.Stop()

	var holder concurrency.Owner
	require.NoError(t, l.RunSync(func() { holder = l.HostLock().Holder() }))
	require.NotEqual(t, concurrency.NoOwner, holder)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:9999\nworkers: 3\nshutdown_timeout: 2s\n"), 0o600))

	cfg, err := facade.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	require.Equal(t, 3, cfg.NumWorkers)
	require.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, facade.DefaultConfig().DialAttempts, cfg.DialAttempts)

	require.NoError(t, os.WriteFile(path, []byte("dial_attempts: 0\n"), 0o600))
	_, err = facade.LoadConfig(path)
	require.Error(t, err)
}

func TestConnectFromRunSync(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := startLoop(t)
	defer l.Stop()

	stream := fake.NewStream()
	p := fake.NewProtocol()
	p.Lock = l.HostLock()

	var (
		conn    *transport.Connection
		connErr error
	)
	done := make(chan error, 1)
	go func() {
		done <- l.RunSyncWithGuard(func(g *concurrency.Guard) {
			conn, connErr = l.ConnectStream(stream, p.Factory(), transport.WithGuard(g))
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("host loop blocked by nested connect")
	}
	require.NoError(t, connErr)
	require.Equal(t, []string{"made"}, p.Events())
	require.Zero(t, p.Unguarded())

	conn.Transport.Write([]byte("x"))
	require.Eventually(t, func() bool { return string(stream.Written()) == "x" }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, l.RunSync(func() {}))

	stream.FeedEOF()
	waitLost(t, p)
	require.NoError(t, p.LostErr())
}

func TestConnectFromDataReceived(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := startLoop(t)
	defer l.Stop()

	outerStream := fake.NewStream()
	outer := fake.NewProtocol()
	innerStream := fake.NewStream()
	inner := fake.NewProtocol()
	inner.Lock = l.HostLock()

	opened := make(chan error, 1)
	outer.OnData = func(tr api.Transport, _ []byte) {
		g := tr.(*transport.Proxy).HostGuard()
		_, err := l.ConnectStream(innerStream, inner.Factory(), transport.WithGuard(g))
		opened <- err
	}
	_, err := l.ConnectStream(outerStream, outer.Factory())
	require.NoError(t, err)

	outerStream.Feed([]byte("open"))
	select {
	case err := <-opened:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested connect from data_received blocked")
	}
	require.Eventually(t, func() bool { return l.ActiveConnections() == 2 }, 2*time.Second, 5*time.Millisecond)

	innerStream.Feed([]byte("ping"))
	require.Eventually(t, func() bool { return string(inner.Received()) == "ping" }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, inner.Unguarded())
	require.NoError(t, l.RunSync(func() {}))

	require.NoError(t, l.Stop())
	waitLost(t, outer)
	waitLost(t, inner)
}

func TestReloadAppliesToNewConnections(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := startLoop(t)
	defer l.Stop()

	cfg := testConfig()
	cfg.ReadBufferSize = 4
	cfg.HighWaterMark = 16
	require.NoError(t, l.Reload(cfg))
	require.Equal(t, protocol.FramedConfig{ReadBufferSize: 4, HighWaterMark: 16}, l.FramedConfig())
	require.Equal(t, 4, l.Control().GetConfig()["read_buffer_size"])

	stream := fake.NewStream()
	p := fake.NewProtocol()
	_, err := l.ConnectStream(stream, p.Factory())
	require.NoError(t, err)
	stream.Feed([]byte("abcdefgh"))
	require.Eventually(t, func() bool { return len(p.Chunks()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, [][]byte{[]byte("abcd"), []byte("efgh")}, p.Chunks())

	bad := testConfig()
	bad.DialAttempts = 0
	require.Error(t, l.Reload(bad))
	require.Equal(t, 4, l.FramedConfig().ReadBufferSize)
}

func TestConcurrentWritersShareOneDrain(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := startLoop(t)
	defer l.Stop()

	stream := fake.NewStream()
	stream.SetWriteCapacity(0)
	p := fake.NewProtocol()
	conn, err := l.ConnectStream(stream, p.Factory())
	require.NoError(t, err)

	const writers, perWriter = 8, 200
	var written, wg sync.WaitGroup
	written.Add(writers)
	signals := make(chan api.Signal, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				conn.Transport.Write([]byte(fmt.Sprintf("%02d:%04d;", w, i)))
			}
			written.Done()
			written.Wait()
			signals <- conn.Transport.Drain()
		}(w)
	}
	wg.Wait()
	close(signals)

	var first api.Signal
	for s := range signals {
		if first == nil {
			first = s
		}
		require.True(t, s == first, "drain callers got different signals")
	}
	require.False(t, first.Resolved())
	require.Empty(t, stream.Written())

	stream.SetWriteCapacity(fake.Unlimited)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, first.Wait(ctx))

	data := string(stream.Written())
	require.Len(t, data, writers*perWriter*len("00:0000;"))
	next := make([]int, writers)
	for _, rec := range strings.Split(strings.TrimSuffix(data, ";"), ";") {
		var w, i int
		_, err := fmt.Sscanf(rec, "%d:%d", &w, &i)
		require.NoError(t, err)
		require.Equal(t, next[w], i, "writer %d out of order", w)
		next[w]++
	}
	for _, n := range next {
		require.Equal(t, perWriter, n)
	}

	conn.Transport.Close()
	waitLost(t, p)
	require.NoError(t, p.LostErr())
}
