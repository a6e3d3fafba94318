// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Reload hook registry for config changes.

package control

import "sync"

// ReloadHooks holds listeners notified after a config change.
type ReloadHooks struct {
	mu    sync.Mutex
	hooks []func()
}

// NewReloadHooks returns an empty registry.
func NewReloadHooks() *ReloadHooks {
	return &ReloadHooks{}
}

// Register adds a new component reload listener.
func (r *ReloadHooks) Register(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Trigger invokes all hooks synchronously in registration order.
func (r *ReloadHooks) Trigger() {
	r.mu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Len returns the number of registered hooks.
func (r *ReloadHooks) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}
