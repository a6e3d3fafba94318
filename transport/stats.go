// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import "sync/atomic"

// Stats aggregates counters across all connections of a loop.
type Stats struct {
	ConnectionsActive atomic.Int64
	ConnectionsTotal  atomic.Uint64
	ConnectionErrors  atomic.Uint64
	Timeouts          atomic.Uint64
	BytesIn           atomic.Uint64
	BytesOut          atomic.Uint64
	ChunksIn          atomic.Uint64
	WritesDropped     atomic.Uint64
	CallbackPanics    atomic.Uint64
}

// Snapshot returns the counters keyed the way the control registry exposes them.
func (s *Stats) Snapshot() map[string]any {
	return map[string]any{
		"connections_active": s.ConnectionsActive.Load(),
		"connections_total":  s.ConnectionsTotal.Load(),
		"connection_errors":  s.ConnectionErrors.Load(),
		"timeouts":           s.Timeouts.Load(),
		"bytes_in":           s.BytesIn.Load(),
		"bytes_out":          s.BytesOut.Load(),
		"chunks_in":          s.ChunksIn.Load(),
		"writes_dropped":     s.WritesDropped.Load(),
		"callback_panics":    s.CallbackPanics.Load(),
	}
}
