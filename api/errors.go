// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-bridge.

package api

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Common errors used across the library.
var (
	ErrTransportClosed  = fmt.Errorf("transport is closed")
	ErrExecutorClosed   = fmt.Errorf("executor is closed")
	ErrLoopClosed       = fmt.Errorf("event loop is closed")
	ErrWouldBlock       = fmt.Errorf("operation would block")
	ErrReentrantAcquire = fmt.Errorf("host context already held by this owner")
	ErrNotHeld          = fmt.Errorf("host context not held")
	ErrProtocolFactory  = fmt.Errorf("protocol factory failure")
	ErrInvalidArgument  = fmt.Errorf("invalid argument")
	ErrNotSupported     = fmt.Errorf("operation not supported")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeInvalidArgument ErrorCode = iota + 1
	ErrCodeCallback
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Wrap attaches a cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// TimeoutError is delivered to ConnectionLost when the socket layer reported
// a timeout-classified failure.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return "socket timeout"
	}
	return "socket timeout: " + e.Err.Error()
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports true so TimeoutError satisfies net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// IOError carries any other native I/O failure to the host.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return "io error: " + e.Err.Error() }

func (e *IOError) Unwrap() error { return e.Err }

// ClassifyIOError maps a native stream error onto the host-visible error kinds.
// Nil stays nil. Errors already classified are returned as is.
func ClassifyIOError(err error) error {
	if err == nil {
		return nil
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	var ie *IOError
	if errors.As(err, &ie) {
		return err
	}
	if isTimeout(err) {
		return &TimeoutError{Err: err}
	}
	return &IOError{Err: err}
}

// IsTimeout reports whether err was classified as a timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}
