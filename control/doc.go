// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics, configuration control, and debug introspection layer
// of hioload-bridge.
//
// Provides concurrent-safe state handling primitives including:
//   - Snapshot config reads, merged updates and YAML file loading
//   - Reload hooks run after every config change
//   - Metrics with live sources sampled per snapshot
//   - Debug probe registration and state export
package control
