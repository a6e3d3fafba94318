package concurrency_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/internal/concurrency"
)

func TestExecutorRunsAllTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := concurrency.NewExecutor(4, nil)
	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		require.NoError(t, e.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		}))
	}
	wg.Wait()
	e.Close()

	require.EqualValues(t, 1000, n)
	stats := e.Stats()
	require.EqualValues(t, 1000, stats["completed_tasks"])
	require.ErrorIs(t, e.Submit(func() {}), api.ErrExecutorClosed)
}

func TestExecutorSurvivesPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := concurrency.NewExecutor(1, nil)
	done := make(chan struct{})
	require.NoError(t, e.Submit(func() { panic("boom") }))
	require.NoError(t, e.Submit(func() { close(done) }))
	<-done
	e.Close()
	require.EqualValues(t, 1, e.Stats()["task_panics"])
}

// countdownTask is pending until woken n times.
type countdownTask struct {
	remaining int32
	waker     atomic.Value
}

func (c *countdownTask) Poll(w api.Waker) (bool, error) {
	c.waker.Store(w)
	if atomic.LoadInt32(&c.remaining) <= 0 {
		return true, nil
	}
	return false, nil
}

func (c *countdownTask) step() {
	atomic.AddInt32(&c.remaining, -1)
	c.waker.Load().(api.Waker).Wake()
}

func TestSpawnPollsUntilDone(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := concurrency.NewExecutor(2, nil)
	defer e.Close()

	task := &countdownTask{remaining: 3}
	var doneCalls int32
	h, err := concurrency.Spawn(e, task, func(err error) {
		require.NoError(t, err)
		atomic.AddInt32(&doneCalls, 1)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return task.waker.Load() != nil }, time.Second, time.Millisecond)
	for i := 0; i < 3; i++ {
		task.step()
	}
	<-h.Done()
	require.NoError(t, h.Err())
	require.EqualValues(t, 1, atomic.LoadInt32(&doneCalls))

	// late wakeups are ignored
	h.Wake()
	require.EqualValues(t, 1, atomic.LoadInt32(&doneCalls))
}

func TestSpawnNeverPollsConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := concurrency.NewExecutor(8, nil)
	defer e.Close()

	var inPoll, overlaps, polls int32
	task := api.TaskFunc(func(w api.Waker) (bool, error) {
		if atomic.AddInt32(&inPoll, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		defer atomic.AddInt32(&inPoll, -1)
		if atomic.AddInt32(&polls, 1) >= 200 {
			return true, nil
		}
		return false, nil
	})
	h, err := concurrency.Spawn(e, task, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-h.Done():
					return
				default:
					h.Wake()
				}
			}
		}()
	}
	wg.Wait()
	require.Zero(t, atomic.LoadInt32(&overlaps))
}

type abortingTask struct {
	aborted atomic.Value
}

func (a *abortingTask) Poll(api.Waker) (bool, error) { panic("poll exploded") }
func (a *abortingTask) Abort(err error)              { a.aborted.Store(err) }

func TestSpawnRecoversPanicAndAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := concurrency.NewExecutor(1, nil)
	defer e.Close()

	task := &abortingTask{}
	h, err := concurrency.Spawn(e, task, nil)
	require.NoError(t, err)
	<-h.Done()
	require.Error(t, h.Err())
	require.NotNil(t, task.aborted.Load())
}

func TestSpawnOnClosedExecutor(t *testing.T) {
	e := concurrency.NewExecutor(1, nil)
	e.Close()
	_, err := concurrency.Spawn(e, api.TaskFunc(func(api.Waker) (bool, error) {
		return true, nil
	}), nil)
	require.True(t, errors.Is(err, api.ErrExecutorClosed))
}
