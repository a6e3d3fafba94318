// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/internal/concurrency"
)

// Protocol records every callback it receives.
type Protocol struct {
	// Lock, when set, is checked on every callback; see Unguarded.
	Lock *concurrency.HostLock

	// Optional hooks run after the event was recorded.
	OnMade func(t api.Transport)
	OnData func(t api.Transport, p []byte)
	OnLost func(err error)

	// Panic* make the corresponding callback panic after recording.
	PanicOnMade bool
	PanicOnData bool
	PanicOnLost bool

	mu        sync.Mutex
	transport api.Transport
	events    []string
	chunks    [][]byte
	lostCalls int
	lostErr   error
	unguarded int
	lost      chan struct{}
}

// NewProtocol returns an empty recording protocol.
func NewProtocol() *Protocol {
	return &Protocol{lost: make(chan struct{})}
}

// Factory returns a factory handing out p.
func (p *Protocol) Factory() api.ProtocolFactory {
	return func() (api.Protocol, error) { return p, nil }
}

func (p *Protocol) ConnectionMade(t api.Transport) {
	p.record("made", func() { p.transport = t })
	if p.OnMade != nil {
		p.OnMade(t)
	}
	if p.PanicOnMade {
		panic("connection_made failed")
	}
}

func (p *Protocol) DataReceived(b []byte) {
	p.record("data", func() { p.chunks = append(p.chunks, append([]byte(nil), b...)) })
	if p.OnData != nil {
		p.OnData(p.Transport(), b)
	}
	if p.PanicOnData {
		panic("data_received failed")
	}
}

func (p *Protocol) ConnectionLost(err error) {
	p.record("lost", func() {
		p.lostCalls++
		p.lostErr = err
		if p.lostCalls == 1 {
			close(p.lost)
		}
	})
	if p.OnLost != nil {
		p.OnLost(err)
	}
	if p.PanicOnLost {
		panic("connection_lost failed")
	}
}

func (p *Protocol) record(event string, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Lock != nil && p.Lock.Holder() == concurrency.NoOwner {
		p.unguarded++
	}
	p.events = append(p.events, event)
	fn()
}

// Transport returns the transport passed to ConnectionMade.
func (p *Protocol) Transport() api.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport
}

// Events returns the callback names in call order.
func (p *Protocol) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// Chunks returns the delivered chunks.
func (p *Protocol) Chunks() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.chunks...)
}

// Received returns all delivered bytes concatenated.
func (p *Protocol) Received() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []byte
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	return out
}

// LostCalls returns the number of ConnectionLost calls.
func (p *Protocol) LostCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lostCalls
}

// LostErr returns the error passed to the last ConnectionLost.
func (p *Protocol) LostErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lostErr
}

// Lost is closed on the first ConnectionLost.
func (p *Protocol) Lost() <-chan struct{} { return p.lost }

// Unguarded returns the number of callbacks that ran while Lock was free.
func (p *Protocol) Unguarded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unguarded
}
