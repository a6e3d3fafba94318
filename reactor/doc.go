// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the edge-triggered readiness reactor that wakes
// bridge tasks when their sockets can be read or written. Linux uses epoll;
// other platforms get a stub returning api.ErrNotSupported.
package reactor
