// File: cmd/bridge-echo/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// bridge-echo runs an echo server on top of the transport bridge, or with
// --connect acts as a client that sends a message, waits for the flush and
// checks the echo.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/facade"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		connect    string
		message    string
		workers    int
		debug      bool
	)
	flagSet := pflag.NewFlagSet("bridge-echo", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML config file")
	flagSet.StringVar(&listen, "listen", "", "listen address (overrides config)")
	flagSet.StringVar(&connect, "connect", "", "run as client against this address")
	flagSet.StringVar(&message, "message", "hello", "client payload")
	flagSet.IntVar(&workers, "workers", 0, "reactor workers (overrides config)")
	flagSet.BoolVar(&debug, "debug", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := facade.DefaultConfig()
	if configPath != "" {
		loaded, err := facade.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagSet.Changed("listen") {
		cfg.ListenAddr = listen
	}
	if flagSet.Changed("workers") {
		cfg.NumWorkers = workers
	}

	loop, err := facade.New(cfg, facade.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := loop.Start(); err != nil {
		return err
	}
	defer loop.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if connect != "" {
		return runClient(ctx, loop, connect, []byte(message), logger)
	}
	return runServer(ctx, loop, cfg.ListenAddr, configPath, logger)
}

// runServer serves until ctx ends. SIGHUP re-reads configPath.
func runServer(ctx context.Context, loop *facade.Loop, addr, configPath string, logger *slog.Logger) error {
	srv, err := loop.CreateServer(ctx, addr, func() (api.Protocol, error) {
		return &echoProtocol{logger: logger}, nil
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "active", loop.ActiveConnections())
			return nil
		case <-hup:
			if configPath == "" {
				logger.Warn("SIGHUP ignored: no --config given")
				continue
			}
			cfg, err := facade.LoadConfig(configPath)
			if err == nil {
				err = loop.Reload(cfg)
			}
			if err != nil {
				logger.Error("config reload failed", "err", err)
			}
		case <-ticker.C:
			logger.Debug("stats", "metrics", loop.Control().Stats())
		}
	}
}

func runClient(ctx context.Context, loop *facade.Loop, addr string, msg []byte, logger *slog.Logger) error {
	p := &clientProtocol{want: len(msg), got: make(chan []byte, 1), lost: make(chan error, 1)}
	conn, err := loop.CreateConnection(ctx, addr, func() (api.Protocol, error) { return p, nil })
	if err != nil {
		return err
	}
	conn.Transport.Write(msg)
	if err := conn.Transport.Drain().Wait(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	logger.Debug("message flushed", "bytes", len(msg))

	select {
	case echo := <-p.got:
		if !bytes.Equal(echo, msg) {
			return fmt.Errorf("echo mismatch: got %q", echo)
		}
		fmt.Printf("%s\n", echo)
	case err := <-p.lost:
		return fmt.Errorf("connection lost before echo: %v", err)
	case <-ctx.Done():
		return ctx.Err()
	}
	conn.Transport.Close()
	<-conn.Done()
	return nil
}

// echoProtocol writes every chunk straight back.
type echoProtocol struct {
	logger *slog.Logger
	t      api.Transport
}

func (e *echoProtocol) ConnectionMade(t api.Transport) {
	e.t = t
	e.logger.Info("connection made", "peer", t.GetExtraInfo("peername", "unknown"))
}

func (e *echoProtocol) DataReceived(p []byte) { e.t.Write(p) }

func (e *echoProtocol) ConnectionLost(err error) {
	if err != nil {
		e.logger.Warn("connection lost", "err", err)
		return
	}
	e.logger.Info("connection closed")
}

// clientProtocol collects the echo until want bytes arrived.
type clientProtocol struct {
	want int
	buf  []byte
	got  chan []byte
	lost chan error
}

func (c *clientProtocol) ConnectionMade(api.Transport) {}

func (c *clientProtocol) DataReceived(p []byte) {
	c.buf = append(c.buf, p...)
	if len(c.buf) >= c.want && c.want > 0 {
		c.got <- c.buf
		c.want = 0
	}
}

func (c *clientProtocol) ConnectionLost(err error) {
	select {
	case c.lost <- err:
	default:
	}
}
