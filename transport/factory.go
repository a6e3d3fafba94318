// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import (
	"fmt"
	"log/slog"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/future"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/protocol"
)

// Loop is what the connection factory needs from the owning event loop.
type Loop interface {
	// Spawn schedules task on the reactor pool; onDone runs once with its result.
	Spawn(task api.Task, onDone func(error)) error
	// NewFuture returns a completion signal bound to the host loop.
	NewFuture() *future.Future
	// CallSoon posts fn onto the host loop.
	CallSoon(fn func()) error
	HostLock() *concurrency.HostLock
	Logger() *slog.Logger
	Stats() *Stats
}

// Connection is the (transport, protocol) pair handed back to the caller.
type Connection struct {
	Transport *Proxy
	Protocol  api.Protocol
}

// Done is closed once the connection has terminated and ConnectionLost ran.
func (c *Connection) Done() <-chan struct{} { return c.Transport.Done() }

type options struct {
	framed protocol.FramedConfig
	onDone func(*Connection, error)
	guard  *concurrency.Guard
}

// Option customizes NewConnection.
type Option func(*options)

// WithFramedConfig overrides read buffer and write high-water sizes.
func WithFramedConfig(cfg protocol.FramedConfig) Option {
	return func(o *options) { o.framed = cfg }
}

// WithOnDone registers a hook run after the bridge task completed.
func WithOnDone(fn func(*Connection, error)) Option {
	return func(o *options) { o.onDone = fn }
}

// WithGuard runs the factory and ConnectionMade under g, a guard the caller
// already holds on the loop's host context, instead of acquiring it. Host
// code opening a connection from a callback must pass the callback's guard
// (Proxy.HostGuard, EventLoop.RunSyncWithGuard).
func WithGuard(g *concurrency.Guard) Option {
	return func(o *options) { o.guard = g }
}

// NewConnection builds the protocol, the proxy and the bridge for stream and
// schedules the bridge. ConnectionMade has run before it returns. If the
// protocol cannot be built or ConnectionMade fails, stream is closed and
// nothing is scheduled.
//
// If the bridge task cannot be scheduled, the connection is aborted:
// ConnectionLost has been delivered with an *api.IOError wrapping the
// scheduling error by the time that error is returned, so the protocol
// sees a made-then-lost connection.
//
// Callers holding the host context must pass WithGuard.
func NewConnection(loop Loop, factory api.ProtocolFactory, stream api.Stream, opts ...Option) (*Connection, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	owner := concurrency.NewOwner()
	logger := loop.Logger().With("component", "transport", "conn", uint64(owner))

	g := o.guard
	if g != nil {
		if !loop.HostLock().Holds(g) {
			stream.Close()
			return nil, api.NewError(api.ErrCodeInvalidArgument, "guard does not hold the host context").
				Wrap(api.ErrNotHeld)
		}
	} else {
		acquired, err := loop.HostLock().Acquire(owner)
		if err != nil {
			stream.Close()
			return nil, err
		}
		g = acquired
	}
	release := func() {
		if o.guard == nil {
			g.Release()
		}
	}

	proto, err := buildProtocol(factory)
	if err != nil {
		release()
		logger.Error("Protocol factory failure", "err", err)
		stream.Close()
		return nil, err
	}

	sender, receiver := NewQueue()
	proxy := newProxy(loop, owner, sender, proto, stream, logger)
	proxy.guard.Store(g)
	err = connectionMade(proto, proxy)
	proxy.guard.Store(nil)
	if err != nil {
		release()
		logger.Error("Protocol.connection_made error", "err", err)
		sender.Close()
		receiver.Close()
		stream.Close()
		return nil, err
	}
	release()

	conn := &Connection{Transport: proxy, Protocol: proto}
	bridge := NewBridge(stream, receiver, proxy, o.framed)
	stats := loop.Stats()
	stats.ConnectionsActive.Add(1)
	stats.ConnectionsTotal.Add(1)

	err = loop.Spawn(bridge, func(err error) {
		if o.onDone != nil {
			o.onDone(conn, err)
		}
	})
	if err != nil {
		logger.Error("bridge task not scheduled", "err", err)
		if o.guard != nil {
			proxy.guard.Store(o.guard)
		}
		bridge.Abort(err)
		proxy.guard.Store(nil)
		return nil, err
	}
	logger.Debug("connection made")
	return conn, nil
}

func buildProtocol(factory api.ProtocolFactory) (proto api.Protocol, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", api.ErrProtocolFactory, r)
		}
	}()
	proto, err = factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrProtocolFactory, err)
	}
	if proto == nil {
		return nil, fmt.Errorf("%w: factory returned nil protocol", api.ErrProtocolFactory)
	}
	return proto, nil
}

func connectionMade(proto api.Protocol, t api.Transport) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.NewError(api.ErrCodeCallback, "connection_made failed").
				WithContext("panic", fmt.Sprint(r))
		}
	}()
	proto.ConnectionMade(t)
	return nil
}
