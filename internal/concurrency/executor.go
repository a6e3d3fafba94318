// File: internal/concurrency/executor.go
// Package concurrency implements the reactor worker pool.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor dispatches tasks across worker goroutines fed by a single
// unbounded FIFO. Submit never blocks, so wakeups issued from reactor or
// host goroutines are never lost or throttled.

package concurrency

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-bridge/api"
)

// ErrExecutorClosed is returned by Submit after Close.
var ErrExecutorClosed = api.ErrExecutorClosed

// Ensure compile-time API compliance.
var _ api.Executor = (*Executor)(nil)

// TaskFunc is a unit of work to execute.
type TaskFunc func()

// Executor manages a pool of worker goroutines.
type Executor struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queue      *queue.Queue // FIFO of TaskFunc
	closed     bool
	wg         sync.WaitGroup
	numWorkers int32
	logger     *slog.Logger

	// statistics
	totalTasks     atomic.Int64
	completedTasks atomic.Int64
	panics         atomic.Int64
}

// NewExecutor creates a new Executor with the given number of workers.
// If numWorkers <= 0, defaults to runtime.NumCPU().
func NewExecutor(numWorkers int, logger *slog.Logger) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		queue:      queue.New(),
		numWorkers: int32(numWorkers),
		logger:     logger.With("component", "executor"),
	}
	e.cond = sync.NewCond(&e.mu)
	e.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := &worker{id: i, executor: e}
		go w.run()
	}
	return e
}

// Submit enqueues a task for execution, returning ErrExecutorClosed if executor is closed.
func (e *Executor) Submit(task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.queue.Add(TaskFunc(task))
	e.mu.Unlock()
	e.totalTasks.Add(1)
	e.cond.Signal()
	return nil
}

// NumWorkers returns the current number of active workers.
func (e *Executor) NumWorkers() int {
	return int(atomic.LoadInt32(&e.numWorkers))
}

// Close stops accepting tasks, lets workers drain the queue and waits for them.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.wg.Wait()
	atomic.StoreInt32(&e.numWorkers, 0)
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	total := e.totalTasks.Load()
	completed := e.completedTasks.Load()
	return map[string]int64{
		"total_tasks":     total,
		"completed_tasks": completed,
		"pending_tasks":   total - completed,
		"task_panics":     e.panics.Load(),
		"num_workers":     int64(e.NumWorkers()),
	}
}

// next blocks until a task is available; ok is false once closed and drained.
func (e *Executor) next() (TaskFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.queue.Length() == 0 {
		if e.closed {
			return nil, false
		}
		e.cond.Wait()
	}
	return e.queue.Remove().(TaskFunc), true
}

// worker represents a single executor goroutine.
type worker struct {
	id       int
	executor *Executor
}

func (w *worker) run() {
	defer w.executor.wg.Done()
	for {
		task, ok := w.executor.next()
		if !ok {
			return
		}
		w.executeTask(task)
	}
}

// executeTask runs the task and updates statistics, recovering from panics.
func (w *worker) executeTask(task TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			w.executor.panics.Add(1)
			w.executor.logger.Error("task panic", "worker", w.id, "panic", fmt.Sprint(r))
		}
		w.executor.completedTasks.Add(1)
	}()
	task()
}
