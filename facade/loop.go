// File: facade/loop.go
// Unified facade layer for hioload-bridge.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop aggregates the components a running bridge needs behind a single
// handle: the reactor worker pool, the epoll reactor, the host event loop
// and its execution context, shared counters and the Control surface. It
// implements transport.Loop and offers server/client entry points.

package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/momentics/hioload-bridge/adapters"
	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/future"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/reactor"
	"github.com/momentics/hioload-bridge/transport"
)

// Ensure compile-time API compliance.
var (
	_ transport.Loop       = (*Loop)(nil)
	_ api.GracefulShutdown = (*Loop)(nil)
)

// Option customizes New.
type Option func(*Loop)

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithReactor replaces the platform reactor, mostly for tests.
func WithReactor(r reactor.EventReactor) Option {
	return func(l *Loop) { l.reactor = r }
}

// Loop is the main facade type.
type Loop struct {
	config  *Config
	logger  *slog.Logger // handed to components
	log     *slog.Logger
	lock    *concurrency.HostLock
	host    *concurrency.EventLoop
	exec    *concurrency.Executor
	reactor reactor.EventReactor
	control *adapters.ControlAdapter
	stats   *transport.Stats
	framed  atomic.Pointer[protocol.FramedConfig] // applied to new connections

	mu      sync.Mutex
	started bool
	stopped bool
	conns   map[*transport.Connection]struct{}
	servers map[*Server]struct{}
	wg      sync.WaitGroup
}

// New constructs a Loop. Nothing runs until Start.
func New(cfg *Config, opts ...Option) (*Loop, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	l := &Loop{
		config:  cfg,
		logger:  slog.Default(),
		lock:    concurrency.NewHostLock(),
		stats:   &transport.Stats{},
		conns:   make(map[*transport.Connection]struct{}),
		servers: make(map[*Server]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.reactor == nil {
		r, err := reactor.NewReactor()
		if err != nil {
			return nil, fmt.Errorf("reactor init failure: %w", err)
		}
		l.reactor = r
	}
	l.log = l.logger.With("component", "facade")
	l.host = concurrency.NewEventLoop(l.lock, l.logger)
	l.exec = concurrency.NewExecutor(cfg.NumWorkers, l.logger)

	fc := cfg.framed()
	l.framed.Store(&fc)

	l.control = adapters.NewControlAdapter()
	l.control.SetConfig(cfg.snapshot())
	l.control.OnReload(l.applyReload)
	if cfg.EnableMetrics {
		l.control.RegisterMetricsSource("transport", l.stats.Snapshot)
	}
	if cfg.EnableDebug {
		l.control.RegisterDebugProbe("executor", func() any { return l.exec.Stats() })
		l.control.RegisterDebugProbe("eventloop.pending", func() any { return l.host.Pending() })
		l.control.RegisterDebugProbe("reactor.registered", func() any { return l.reactor.Registered() })
		l.control.RegisterDebugProbe("hostlock.acquisitions", func() any { return l.lock.Acquisitions() })
	}
	return l, nil
}

// Start runs the host event loop and the reactor. Subsequent calls to
// Start have no effect.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return api.ErrLoopClosed
	}
	if l.started {
		return nil
	}
	l.started = true
	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.host.Run()
	}()
	go func() {
		defer l.wg.Done()
		if err := l.reactor.Run(); err != nil && !errors.Is(err, reactor.ErrClosed) {
			l.log.Error("reactor stopped", "err", err)
		}
	}()
	l.log.Debug("loop started", "workers", l.exec.NumWorkers())
	return nil
}

// Stop closes servers, asks every connection to close, aborts the ones
// still open after ShutdownTimeout and releases all components.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	servers := make([]*Server, 0, len(l.servers))
	for s := range l.servers {
		servers = append(servers, s)
	}
	l.mu.Unlock()

	for _, s := range servers {
		s.Close()
	}
	for _, c := range l.connections() {
		c.Transport.Close()
	}
	if !l.awaitConnections(l.config.ShutdownTimeout) {
		for _, c := range l.connections() {
			l.log.Warn("aborting connection after shutdown timeout")
			c.Transport.Abort()
		}
		l.awaitConnections(l.config.ShutdownTimeout)
	}

	err := l.reactor.Close()
	l.exec.Close()
	l.host.Stop()
	l.wg.Wait()
	l.log.Debug("loop stopped")
	return err
}

// Shutdown implements api.GracefulShutdown by delegating to Stop().
func (l *Loop) Shutdown() error {
	return l.Stop()
}

// Spawn implements transport.Loop.
func (l *Loop) Spawn(task api.Task, onDone func(error)) error {
	_, err := concurrency.Spawn(l.exec, task, onDone)
	return err
}

// NewFuture implements transport.Loop.
func (l *Loop) NewFuture() *future.Future { return future.New(l.host) }

// CallSoon posts fn onto the host loop.
func (l *Loop) CallSoon(fn func()) error { return l.host.CallSoon(fn) }

// RunSync runs fn on the host loop and waits for it.
func (l *Loop) RunSync(fn func()) error { return l.host.RunSync(fn) }

// CallSoonWithGuard posts fn onto the host loop, handing it the loop's
// guard for nested connection setup (transport.WithGuard).
func (l *Loop) CallSoonWithGuard(fn func(g *concurrency.Guard)) error {
	return l.host.CallSoonWithGuard(fn)
}

// RunSyncWithGuard is RunSync handing fn the loop's guard.
func (l *Loop) RunSyncWithGuard(fn func(g *concurrency.Guard)) error {
	return l.host.RunSyncWithGuard(fn)
}

// Reload validates cfg and publishes it through Control. Buffer sizes
// apply to connections made afterwards; the other fields are fixed for the
// life of the loop.
func (l *Loop) Reload(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return l.control.SetConfig(cfg.snapshot())
}

// FramedConfig returns the buffer sizes new connections get.
func (l *Loop) FramedConfig() protocol.FramedConfig { return *l.framed.Load() }

func (l *Loop) applyReload() {
	snap := l.control.GetConfig()
	fc := *l.framed.Load()
	if v, ok := intValue(snap["read_buffer_size"]); ok {
		fc.ReadBufferSize = v
	}
	if v, ok := intValue(snap["high_water_mark"]); ok {
		fc.HighWaterMark = v
	}
	l.framed.Store(&fc)
	l.log.Info("config reloaded", "read_buffer_size", fc.ReadBufferSize, "high_water_mark", fc.HighWaterMark)
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, n >= 0
	case int64:
		return int(n), n >= 0
	case float64:
		return int(n), n >= 0
	}
	return 0, false
}

func (l *Loop) HostLock() *concurrency.HostLock { return l.lock }
func (l *Loop) Logger() *slog.Logger            { return l.logger }
func (l *Loop) Stats() *transport.Stats         { return l.stats }

// Control returns the Control interface for dynamic config and metrics.
func (l *Loop) Control() api.Control { return l.control }

// Config returns the configuration the loop was built with.
func (l *Loop) Config() *Config { return l.config }

// ActiveConnections returns the number of connections not yet terminated.
func (l *Loop) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// ConnectStream wraps an already connected stream. ConnectionMade has run
// when it returns. Host code calling it from a callback passes its guard
// with transport.WithGuard.
func (l *Loop) ConnectStream(stream api.Stream, factory api.ProtocolFactory, opts ...transport.Option) (*transport.Connection, error) {
	if l.isStopped() {
		stream.Close()
		return nil, api.ErrLoopClosed
	}
	all := append([]transport.Option{
		transport.WithFramedConfig(l.FramedConfig()),
		transport.WithOnDone(l.forget),
	}, opts...)
	conn, err := transport.NewConnection(l, factory, stream, all...)
	if err != nil {
		return nil, err
	}
	l.track(conn)
	return conn, nil
}

// ConnectTCP wraps an accepted or dialed TCP socket.
func (l *Loop) ConnectTCP(c *net.TCPConn, factory api.ProtocolFactory, opts ...transport.Option) (*transport.Connection, error) {
	stream, err := transport.NewTCPStream(c, l.reactor)
	if err != nil {
		c.Close()
		return nil, err
	}
	return l.ConnectStream(stream, factory, opts...)
}

// CreateConnection dials addr, retrying with exponential backoff up to
// DialAttempts times, and wraps the socket. Dialing blocks, so host code
// should call it off the host loop; opts reach ConnectTCP.
func (l *Loop) CreateConnection(ctx context.Context, addr string, factory api.ProtocolFactory, opts ...transport.Option) (*transport.Connection, error) {
	b := &backoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    l.config.DialBackoffMin,
		Max:    l.config.DialBackoffMax,
	}
	d := net.Dialer{Timeout: l.config.DialTimeout}
	var lastErr error
	for attempt := 1; attempt <= l.config.DialAttempts; attempt++ {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return l.ConnectTCP(c.(*net.TCPConn), factory, opts...)
		}
		lastErr = err
		if ctx.Err() != nil || attempt == l.config.DialAttempts {
			break
		}
		wait := b.Duration()
		l.log.Debug("dial failed, retrying", "addr", addr, "attempt", attempt, "in", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// track records conn unless it already terminated; forget runs after the
// bridge task completed, which is always after Done is closed.
func (l *Loop) track(conn *transport.Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-conn.Done():
	default:
		l.conns[conn] = struct{}{}
	}
}

func (l *Loop) forget(conn *transport.Connection, err error) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	if err != nil {
		l.log.Debug("connection ended", "err", err)
	}
}

func (l *Loop) connections() []*transport.Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*transport.Connection, 0, len(l.conns))
	for c := range l.conns {
		out = append(out, c)
	}
	return out
}

func (l *Loop) awaitConnections(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, c := range l.connections() {
		select {
		case <-c.Done():
		case <-deadline.C:
			return false
		}
	}
	return true
}
