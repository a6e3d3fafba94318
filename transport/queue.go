// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-bridge/api"
)

// MessageKind tags an outbound message.
type MessageKind int

const (
	MessageData MessageKind = iota
	MessageClose
)

func (k MessageKind) String() string {
	if k == MessageClose {
		return "close"
	}
	return "data"
}

// Message is a write request travelling from host code to the bridge.
type Message struct {
	Kind MessageKind
	Data []byte
	// Seq is the write sequence number of a data message.
	Seq uint64
}

// PollState is the outcome of Receiver.Poll.
type PollState int

const (
	// PollPending: nothing queued, the waker will be notified on the next send.
	PollPending PollState = iota
	// PollReady: a message was returned.
	PollReady
	// PollEmpty: the queue is closed and fully drained.
	PollEmpty
)

// outbound is the shared state between Sender and Receiver.
type outbound struct {
	mu      sync.Mutex
	items   *queue.Queue // FIFO of Message
	closed  bool         // consumer torn down
	done    bool         // producer torn down
	dropped uint64
	seq     uint64 // last data sequence number handed out
	waker   api.Waker
}

// Sender is the producer end; safe for concurrent use.
type Sender struct{ q *outbound }

// Receiver is the consumer end owned by the bridge.
type Receiver struct{ q *outbound }

// NewQueue returns both ends of an unbounded outbound queue.
func NewQueue() (*Sender, *Receiver) {
	q := &outbound{items: queue.New()}
	return &Sender{q: q}, &Receiver{q: q}
}

// Send enqueues msg without blocking. Data messages are numbered in
// enqueue order. It reports false and drops msg when either end has been
// torn down.
func (s *Sender) Send(msg Message) bool {
	q := s.q
	q.mu.Lock()
	if q.closed || q.done {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	if msg.Kind == MessageData {
		q.seq++
		msg.Seq = q.seq
	}
	q.items.Add(msg)
	w := q.waker
	q.waker = nil
	q.mu.Unlock()
	if w != nil {
		w.Wake()
	}
	return true
}

// Len returns the number of queued messages.
func (s *Sender) Len() int {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	return s.q.items.Length()
}

// Seq returns the sequence number of the last accepted data message.
func (s *Sender) Seq() uint64 {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	return s.q.seq
}

// Dropped returns the number of messages refused after teardown.
func (s *Sender) Dropped() uint64 {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	return s.q.dropped
}

// Close tears the producer down: the receiver drains what is queued and
// then observes PollEmpty.
func (s *Sender) Close() {
	q := s.q
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return
	}
	q.done = true
	w := q.waker
	q.waker = nil
	q.mu.Unlock()
	if w != nil {
		w.Wake()
	}
}

// Closed reports whether either end has been torn down.
func (s *Sender) Closed() bool {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	return s.q.closed || s.q.done
}

// Poll takes the next message without blocking. When nothing is queued, w
// is registered and woken by the next Send.
func (r *Receiver) Poll(w api.Waker) (Message, PollState) {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() > 0 {
		return q.items.Remove().(Message), PollReady
	}
	if q.closed || q.done {
		return Message{}, PollEmpty
	}
	q.waker = w
	return Message{}, PollPending
}

// ProducerClosed reports whether Sender.Close was called. Otherwise w is
// registered and woken by the next Send or Close.
func (r *Receiver) ProducerClosed(w api.Waker) bool {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return true
	}
	if !q.closed {
		q.waker = w
	}
	return false
}

// Close tears the consumer down. Queued messages are discarded and later
// sends are dropped.
func (r *Receiver) Close() {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.dropped += uint64(q.items.Length())
	q.items = queue.New()
	q.waker = nil
}
