// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/future"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/transport"
)

// Ensure compile-time API compliance.
var _ transport.Loop = (*Loop)(nil)

// ErrNotIdle is returned by RunUntilIdle when tasks keep waking each other.
var ErrNotIdle = errors.New("fake loop: still busy after step limit")

const maxSteps = 10000

// Loop is a single-goroutine, deterministic stand-in for the facade loop.
// Spawned tasks and posted callbacks only run inside RunUntilIdle.
type Loop struct {
	lock   *concurrency.HostLock
	owner  concurrency.Owner
	logger *slog.Logger
	stats  *transport.Stats

	mu        sync.Mutex
	callbacks []func()
	tasks     []*loopTask
	spawnErr  error
	polls     int
}

type loopTask struct {
	loop   *Loop
	task   api.Task
	onDone func(error)
	woken  bool
	done   bool
	err    error
}

// Wake implements api.Waker.
func (t *loopTask) Wake() {
	t.loop.mu.Lock()
	t.woken = true
	t.loop.mu.Unlock()
}

// NewLoop returns an idle loop discarding logs unless logger is non-nil.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{
		lock:   concurrency.NewHostLock(),
		owner:  concurrency.NewOwner(),
		logger: logger,
		stats:  &transport.Stats{},
	}
}

// Spawn implements transport.Loop.
func (l *Loop) Spawn(task api.Task, onDone func(error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spawnErr != nil {
		return l.spawnErr
	}
	l.tasks = append(l.tasks, &loopTask{loop: l, task: task, onDone: onDone, woken: true})
	return nil
}

// SetSpawnError makes Spawn fail with err.
func (l *Loop) SetSpawnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spawnErr = err
}

// NewFuture implements transport.Loop.
func (l *Loop) NewFuture() *future.Future { return future.New(l) }

// CallSoon implements future.Scheduler.
func (l *Loop) CallSoon(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, fn)
	return nil
}

func (l *Loop) HostLock() *concurrency.HostLock { return l.lock }
func (l *Loop) Logger() *slog.Logger            { return l.logger }
func (l *Loop) Stats() *transport.Stats         { return l.stats }

// RunUntilIdle polls woken tasks and runs posted callbacks until neither
// is left.
func (l *Loop) RunUntilIdle() error {
	for step := 0; step < maxSteps; step++ {
		if fn := l.nextCallback(); fn != nil {
			if err := l.lock.With(l.owner, fn); err != nil {
				return err
			}
			continue
		}
		t := l.nextTask()
		if t == nil {
			return nil
		}
		l.poll(t)
	}
	return ErrNotIdle
}

func (l *Loop) nextCallback() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.callbacks) == 0 {
		return nil
	}
	fn := l.callbacks[0]
	l.callbacks = l.callbacks[1:]
	return fn
}

func (l *Loop) nextTask() *loopTask {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		if t.woken && !t.done {
			t.woken = false
			l.polls++
			return t
		}
	}
	return nil
}

func (l *Loop) poll(t *loopTask) {
	done, err := t.task.Poll(t)
	if !done {
		return
	}
	l.mu.Lock()
	t.done, t.err = true, err
	l.mu.Unlock()
	if t.onDone != nil {
		t.onDone(err)
	}
}

// Pending returns the number of spawned tasks that have not completed.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.tasks {
		if !t.done {
			n++
		}
	}
	return n
}

// Polls returns the total number of task polls.
func (l *Loop) Polls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.polls
}

// TaskErr returns the result of the i-th spawned task once it completed.
func (l *Loop) TaskErr(i int) (done bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.tasks) {
		return false, nil
	}
	return l.tasks[i].done, l.tasks[i].err
}
