// File: internal/concurrency/task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poll-driven task scheduling on top of Executor.

package concurrency

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-bridge/api"
)

const (
	taskIdle int32 = iota
	taskScheduled
	taskRunning
	taskNotified
	taskDone
)

// Aborter is implemented by tasks that must release resources when they can
// no longer be polled (executor shut down underneath them).
type Aborter interface {
	Abort(err error)
}

// TaskHandle drives one api.Task. It is also the task's waker: Wake may be
// called from any goroutine and coalesces with in-flight polls, so a task is
// never polled concurrently and no wakeup is lost.
type TaskHandle struct {
	exec   api.Executor
	task   api.Task
	onDone func(error)
	state  atomic.Int32
	polls  atomic.Int64
	done   chan struct{}
	err    error
}

// Spawn schedules task on exec and polls it to completion. onDone, if not
// nil, runs exactly once with the terminal error.
func Spawn(exec api.Executor, task api.Task, onDone func(error)) (*TaskHandle, error) {
	h := &TaskHandle{
		exec:   exec,
		task:   task,
		onDone: onDone,
		done:   make(chan struct{}),
	}
	h.state.Store(taskScheduled)
	if err := exec.Submit(h.run); err != nil {
		h.state.Store(taskDone)
		close(h.done)
		return nil, err
	}
	return h, nil
}

// Wake implements api.Waker.
func (h *TaskHandle) Wake() {
	for {
		switch s := h.state.Load(); s {
		case taskIdle:
			if h.state.CompareAndSwap(taskIdle, taskScheduled) {
				h.submit()
				return
			}
		case taskRunning:
			if h.state.CompareAndSwap(taskRunning, taskNotified) {
				return
			}
		default:
			return
		}
	}
}

// Done is closed after the task completed and onDone returned.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error; valid after Done is closed.
func (h *TaskHandle) Err() error { return h.err }

// Polls reports how many times the task has been polled.
func (h *TaskHandle) Polls() int64 { return h.polls.Load() }

func (h *TaskHandle) submit() {
	if err := h.exec.Submit(h.run); err != nil {
		if a, ok := h.task.(Aborter); ok {
			a.Abort(err)
		}
		h.finish(err)
	}
}

func (h *TaskHandle) run() {
	if !h.state.CompareAndSwap(taskScheduled, taskRunning) {
		return
	}
	h.polls.Add(1)
	done, err := h.poll()
	if done || err != nil {
		h.finish(err)
		return
	}
	if h.state.CompareAndSwap(taskRunning, taskIdle) {
		return
	}
	// woken while running
	h.state.Store(taskScheduled)
	h.submit()
}

func (h *TaskHandle) poll() (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			done, err = true, fmt.Errorf("task panic: %v", r)
			if a, ok := h.task.(Aborter); ok {
				a.Abort(err)
			}
		}
	}()
	return h.task.Poll(h)
}

func (h *TaskHandle) finish(err error) {
	if h.state.Swap(taskDone) == taskDone {
		return
	}
	h.err = err
	if h.onDone != nil {
		h.onDone(err)
	}
	close(h.done)
}
