// Package api
// Author: momentics
//
// Executor and poll-task contracts for the reactor worker pool.

package api

// Executor abstracts parallel task execution.
type Executor interface {
	// Submit schedules task for execution.
	Submit(task func()) error

	// NumWorkers returns current number of active worker routines.
	NumWorkers() int
}

// Waker signals the scheduler that a pending task can make progress.
type Waker interface {
	Wake()
}

// WakerFunc adapts a plain function to Waker.
type WakerFunc func()

func (f WakerFunc) Wake() { f() }

// Task is a cooperatively scheduled unit of work. Poll is called repeatedly
// until it reports done; when it returns (false, nil) it must have arranged
// for w to be woken once progress is possible.
type Task interface {
	Poll(w Waker) (done bool, err error)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(w Waker) (bool, error)

func (f TaskFunc) Poll(w Waker) (bool, error) { return f(w) }
