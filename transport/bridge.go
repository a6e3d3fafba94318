// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import (
	"log/slog"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/protocol"
)

// Ensure compile-time API compliance.
var _ api.Task = (*Bridge)(nil)

// Bridge is the per-connection task. It exclusively owns the stream and the
// consumer end of the outbound queue. Each Poll runs one cycle: inbound,
// outbound, flush, termination check.
type Bridge struct {
	framed *protocol.Framed
	intake *Receiver
	proxy  *Proxy
	stats  *Stats
	logger *slog.Logger

	// at most one chunk refused by the socket, retried before the queue
	pending    []byte
	pendingSeq uint64
	hasPending bool
	handedSeq  uint64

	incomingEOF bool
	flushed     bool
	closing     bool
	registered  bool
	finished    bool

	lastIn, lastOut uint64
}

// NewBridge assembles the task for stream. It does not schedule it.
func NewBridge(stream api.Stream, intake *Receiver, proxy *Proxy, cfg protocol.FramedConfig) *Bridge {
	return &Bridge{
		framed:  protocol.NewFramed(stream, cfg),
		intake:  intake,
		proxy:   proxy,
		stats:   proxy.stats,
		logger:  proxy.logger,
		flushed: true,
	}
}

// Poll implements api.Task.
func (b *Bridge) Poll(w api.Waker) (bool, error) {
	if b.finished {
		return true, nil
	}
	if !b.registered {
		if err := b.framed.Stream().Register(w); err != nil {
			return b.fail(err)
		}
		b.registered = true
	}
	defer b.account()

	if b.intake.ProducerClosed(w) {
		return b.fail(&api.IOError{Err: api.ErrTransportClosed})
	}

	if !b.incomingEOF {
		for {
			chunk, state, err := b.framed.PollRead()
			if err != nil {
				return b.fail(err)
			}
			if state == protocol.ReadChunk {
				b.stats.ChunksIn.Add(1)
				b.proxy.deliverData(chunk)
				continue
			}
			if state == protocol.ReadEOF {
				b.logger.Debug("end of stream")
				b.incomingEOF = true
			}
			break
		}
	}

	for {
		if !b.closing {
			if err := b.pollOutbound(w); err != nil {
				return b.fail(err)
			}
		}
		if !b.flushed {
			flushed, err := b.framed.PollFlush()
			if err != nil {
				return b.fail(err)
			}
			b.flushed = flushed
			if flushed {
				b.proxy.drained(b.handedSeq)
			}
		}
		// a refused chunk fits now that the wire buffer is empty
		if !(b.hasPending && b.flushed) {
			break
		}
	}

	if b.closing {
		done, err := b.framed.Close()
		if err != nil {
			return b.fail(err)
		}
		if !done {
			return false, nil
		}
		return b.finish()
	}
	if b.flushed && b.incomingEOF {
		return b.finish()
	}
	return false, nil
}

// pollOutbound hands queued payloads to the codec in FIFO order until the
// queue is empty, a close is seen, or the socket refuses a chunk.
func (b *Bridge) pollOutbound(w api.Waker) error {
	for {
		var data []byte
		var seq uint64
		if b.hasPending {
			data, seq = b.pending, b.pendingSeq
			b.pending, b.hasPending = nil, false
		} else {
			msg, state := b.intake.Poll(w)
			switch state {
			case PollPending:
				return nil
			case PollEmpty:
				return &api.IOError{Err: api.ErrTransportClosed}
			}
			if msg.Kind == MessageClose {
				b.closing = true
				return nil
			}
			data, seq = msg.Data, msg.Seq
		}

		b.flushed = false
		accepted, err := b.framed.StartSend(data)
		if err != nil {
			return err
		}
		if !accepted {
			b.pending, b.pendingSeq, b.hasPending = data, seq, true
			return nil
		}
		b.handedSeq = seq
	}
}

// Abort releases everything when the task can no longer be polled.
func (b *Bridge) Abort(err error) {
	b.fail(err)
}

func (b *Bridge) finish() (bool, error) {
	b.teardown()
	b.proxy.connectionLostClean()
	return true, nil
}

func (b *Bridge) fail(err error) (bool, error) {
	if b.finished {
		return true, api.ClassifyIOError(err)
	}
	b.teardown()
	b.proxy.connectionError(err)
	return true, api.ClassifyIOError(err)
}

func (b *Bridge) teardown() {
	b.finished = true
	b.account()
	b.framed.Release()
	b.intake.Close()
	b.pending = nil
	b.stats.ConnectionsActive.Add(-1)
}

func (b *Bridge) account() {
	in, out := b.framed.BytesIn(), b.framed.BytesOut()
	b.stats.BytesIn.Add(in - b.lastIn)
	b.stats.BytesOut.Add(out - b.lastOut)
	b.lastIn, b.lastOut = in, out
}
