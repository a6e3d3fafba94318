// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

// Package transport bridges a non-blocking byte stream driven by a reactor
// task to host code running under a single execution context. Host code
// holds a Proxy (Write, Drain, Close); the Bridge task owns the socket,
// delivers inbound chunks and connection events, and flushes the outbound
// queue in order.
package transport
