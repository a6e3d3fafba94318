// File: facade/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TCP accept loop handing every socket to the bridge.

package facade

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/momentics/hioload-bridge/api"
)

// Server accepts TCP connections and bridges each one to a protocol built
// by its factory.
type Server struct {
	loop    *Loop
	ln      *net.TCPListener
	factory api.ProtocolFactory
	log     *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// CreateServer listens on addr and starts accepting. The accept loop stops
// on Server.Close or Loop.Stop.
func (l *Loop) CreateServer(ctx context.Context, addr string, factory api.ProtocolFactory) (*Server, error) {
	if l.isStopped() {
		return nil, api.ErrLoopClosed
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		loop:    l,
		ln:      ln.(*net.TCPListener),
		factory: factory,
		log:     l.log.With("listen", ln.Addr().String()),
		done:    make(chan struct{}),
	}
	l.mu.Lock()
	l.servers[s] = struct{}{}
	l.mu.Unlock()

	go s.serve()
	s.log.Info("server listening")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting and waits for the accept loop to exit. Connections
// already accepted keep running.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
		<-s.done
		s.loop.mu.Lock()
		delete(s.loop.servers, s)
		s.loop.mu.Unlock()
	})
	return err
}

func (s *Server) serve() {
	defer close(s.done)
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second}
	for {
		c, err := s.ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			wait := b.Duration()
			s.log.Warn("accept failed", "err", err, "retry_in", wait)
			time.Sleep(wait)
			continue
		}
		b.Reset()
		remote := c.RemoteAddr()
		if _, err := s.loop.ConnectTCP(c, s.factory); err != nil {
			s.log.Error("connection setup failed", "remote", remote, "err", err)
		}
	}
}
