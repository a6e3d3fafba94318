// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for system-level monitoring.
// Exposes counters in a thread-safe map; sources registered with Source are
// sampled on every snapshot.

package control

import (
	"sync"
	"time"
)

// MetricsRegistry holds set values and live sources.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	sources map[string]func() map[string]any
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
		sources: make(map[string]func() map[string]any),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Source registers fn under prefix; its keys appear as "prefix.key".
func (mr *MetricsRegistry) Source(prefix string, fn func() map[string]any) {
	mr.mu.Lock()
	mr.sources[prefix] = fn
	mr.mu.Unlock()
}

// Updated returns the time of the last Set.
func (mr *MetricsRegistry) Updated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	sources := make(map[string]func() map[string]any, len(mr.sources))
	for k, fn := range mr.sources {
		sources[k] = fn
	}
	mr.mu.RUnlock()

	for prefix, fn := range sources {
		for k, v := range fn() {
			out[prefix+"."+k] = v
		}
	}
	return out
}
