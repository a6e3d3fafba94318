// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/future"
	"github.com/momentics/hioload-bridge/internal/concurrency"
)

// Ensure compile-time API compliance.
var _ api.Transport = (*Proxy)(nil)

// Proxy is the transport object host code holds. Its write side only
// touches the outbound queue; its callback side is driven by the bridge.
type Proxy struct {
	loop   Loop
	owner  concurrency.Owner
	sender *Sender
	logger *slog.Logger
	stats  *Stats
	extra  map[string]any

	// resolved once from the protocol at construction
	connectionLost func(error)
	dataReceived   func([]byte)

	// guard of the callback currently running, if any
	guard atomic.Pointer[concurrency.Guard]

	closing  atomic.Bool
	finished atomic.Bool
	done     chan struct{}

	mu          sync.Mutex
	drain       *future.Future
	drainTarget uint64
	flushedSeq  uint64
	terminated  bool
	termErr     error
}

func newProxy(loop Loop, owner concurrency.Owner, sender *Sender, proto api.Protocol, stream api.Stream, logger *slog.Logger) *Proxy {
	p := &Proxy{
		loop:           loop,
		owner:          owner,
		sender:         sender,
		logger:         logger,
		stats:          loop.Stats(),
		extra:          make(map[string]any),
		connectionLost: proto.ConnectionLost,
		dataReceived:   proto.DataReceived,
		done:           make(chan struct{}),
	}
	if a, ok := stream.(interface{ RemoteAddr() net.Addr }); ok && a.RemoteAddr() != nil {
		p.extra["peername"] = a.RemoteAddr()
	}
	if a, ok := stream.(interface{ LocalAddr() net.Addr }); ok && a.LocalAddr() != nil {
		p.extra["sockname"] = a.LocalAddr()
	}
	return p
}

// Write enqueues p. Empty payloads are ignored. After the connection is
// gone the write is silently dropped.
func (p *Proxy) Write(b []byte) {
	if len(b) == 0 {
		return
	}
	data := make([]byte, len(b))
	copy(data, b)
	if !p.sender.Send(Message{Kind: MessageData, Data: data}) {
		p.stats.WritesDropped.Add(1)
		p.logger.Debug("write after teardown dropped", "bytes", len(b))
	}
}

// Drain returns the pending completion signal, creating it if needed. The
// signal resolves once every write issued before this call has been
// flushed to the socket.
func (p *Proxy) Drain() api.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := p.sender.Seq()
	if p.drain != nil {
		if target > p.drainTarget {
			p.drainTarget = target
		}
		return p.drain
	}
	if target <= p.flushedSeq {
		return future.Resolved(p.loop, nil)
	}
	if p.terminated {
		return future.Resolved(p.loop, p.closedErr())
	}
	p.drain = p.loop.NewFuture()
	p.drainTarget = target
	return p.drain
}

// Close requests a graceful shutdown. Repeated calls have no further effect.
func (p *Proxy) Close() {
	if p.closing.CompareAndSwap(false, true) {
		p.sender.Send(Message{Kind: MessageClose})
	}
}

// Abort terminates the connection without flushing: queued writes are
// discarded and ConnectionLost receives an *api.IOError wrapping
// api.ErrTransportClosed.
func (p *Proxy) Abort() {
	p.sender.Close()
}

// GetExtraInfo returns "peername" and "sockname" when the stream exposes
// them; everything else yields def.
func (p *Proxy) GetExtraInfo(name string, def any) any {
	if v, ok := p.extra[name]; ok {
		return v
	}
	return def
}

// IsClosing reports whether the connection has terminated or a close or
// abort was requested.
func (p *Proxy) IsClosing() bool {
	return p.finished.Load() || p.closing.Load() || p.sender.Closed()
}

// Done is closed after ConnectionLost has been delivered.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// HostGuard returns the guard a callback of this connection runs under, or
// nil outside callbacks. Only meaningful from inside the callback itself,
// typically to open another connection with WithGuard.
func (p *Proxy) HostGuard() *concurrency.Guard { return p.guard.Load() }

// Err returns the error the connection terminated with, nil on a clean
// shutdown or while still running.
func (p *Proxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termErr
}

// invoke runs fn under the host execution context. Panics raised by host
// code are logged and swallowed. A nested invoke reuses the guard of the
// callback it runs in.
func (p *Proxy) invoke(what string, fn func()) {
	if p.guard.Load() != nil {
		p.call(what, fn)
		return
	}
	g, err := p.loop.HostLock().Acquire(p.owner)
	if err != nil {
		p.logger.Error("host context acquire failed", "callback", what, "err", err)
		return
	}
	defer g.Release()
	p.guard.Store(g)
	defer p.guard.Store(nil)
	p.call(what, fn)
}

func (p *Proxy) call(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.CallbackPanics.Add(1)
			p.logger.Error(what+" error", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (p *Proxy) deliverData(chunk []byte) {
	p.invoke("data_received", func() { p.dataReceived(chunk) })
}

// drained records that every write up to seq left the local buffer and
// resolves the pending drain signal if it is now satisfied.
func (p *Proxy) drained(seq uint64) {
	p.mu.Lock()
	if seq > p.flushedSeq {
		p.flushedSeq = seq
	}
	var f *future.Future
	if p.drain != nil && p.drainTarget <= p.flushedSeq {
		f = p.drain
		p.drain = nil
	}
	p.mu.Unlock()
	if f != nil {
		p.invoke("drained", func() { f.Resolve(nil) })
	}
}

// connectionLostClean reports a clean termination.
func (p *Proxy) connectionLostClean() {
	if !p.finished.CompareAndSwap(false, true) {
		return
	}
	p.logger.Debug("Protocol.connection_lost(nil)")
	pending := p.terminate(nil)
	p.invoke("connection_lost", func() {
		if pending != nil {
			pending()
		}
		p.connectionLost(nil)
	})
	close(p.done)
}

// connectionError reports a failed termination with a classified error.
func (p *Proxy) connectionError(err error) {
	if !p.finished.CompareAndSwap(false, true) {
		return
	}
	classified := api.ClassifyIOError(err)
	p.stats.ConnectionErrors.Add(1)
	if api.IsTimeout(classified) {
		p.stats.Timeouts.Add(1)
		p.logger.Debug("socket timeout", "err", err)
	} else {
		p.logger.Debug("Protocol.connection_lost(err)", "err", err)
	}
	pending := p.terminate(classified)
	p.invoke("connection_lost", func() {
		if pending != nil {
			pending()
		}
		p.connectionLost(classified)
	})
	close(p.done)
}

// terminate marks the proxy dead and returns a function settling the
// pending drain signal, if any.
func (p *Proxy) terminate(err error) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	p.termErr = err
	f := p.drain
	p.drain = nil
	if f == nil {
		return nil
	}
	if p.drainTarget <= p.flushedSeq {
		return func() { f.Resolve(nil) }
	}
	failure := p.closedErr()
	return func() { f.Resolve(failure) }
}

func (p *Proxy) closedErr() error {
	if p.termErr != nil {
		return p.termErr
	}
	return api.ErrTransportClosed
}
