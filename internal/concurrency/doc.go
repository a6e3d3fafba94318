// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scheduling primitives of hioload-bridge: the reactor worker pool
// (Executor) with poll-driven tasks (Spawn, TaskHandle), the host
// cooperative loop (EventLoop) and the host execution context it runs
// under (HostLock, Guard, Owner).
package concurrency
