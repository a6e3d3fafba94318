// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness reactor interface.

package reactor

import (
	"errors"

	"github.com/momentics/hioload-bridge/api"
)

// ErrClosed is returned by Register and Run after Close.
var ErrClosed = errors.New("reactor: closed")

// EventReactor multiplexes socket readiness onto task wakers.
type EventReactor interface {
	api.Reactor

	// Registered returns the number of descriptors currently watched.
	Registered() int
}
