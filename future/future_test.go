package future_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/future"
)

type inlineLoop struct {
	mu    sync.Mutex
	calls int
}

func (l *inlineLoop) CallSoon(fn func()) error {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	fn()
	return nil
}

func TestResolveOnce(t *testing.T) {
	f := future.New(nil)
	require.False(t, f.Resolved())
	require.NoError(t, f.Err())

	boom := errors.New("boom")
	require.True(t, f.Resolve(nil))
	require.False(t, f.Resolve(boom))
	require.True(t, f.Resolved())
	require.NoError(t, f.Err())
}

func TestFailureOutcome(t *testing.T) {
	boom := errors.New("boom")
	f := future.Resolved(nil, boom)
	require.True(t, f.Resolved())
	require.ErrorIs(t, f.Err(), boom)
	require.ErrorIs(t, f.Wait(context.Background()), boom)
}

func TestCallbacksRunOnLoop(t *testing.T) {
	loop := &inlineLoop{}
	f := future.New(loop)

	var got []error
	f.OnDone(func(err error) { got = append(got, err) })
	require.Empty(t, got)

	f.Resolve(nil)
	require.Equal(t, []error{nil}, got)

	// registered after resolution: scheduled immediately
	f.OnDone(func(err error) { got = append(got, err) })
	require.Len(t, got, 2)
	require.Equal(t, 2, loop.calls)
}

func TestWaitHonoursContext(t *testing.T) {
	f := future.New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)
}

func TestConcurrentResolveSingleWinner(t *testing.T) {
	f := future.New(nil)
	var wg sync.WaitGroup
	wins := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- f.Resolve(nil)
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	require.Equal(t, 1, n)
}

type stoppedLoop struct {
	logger *slog.Logger
}

func (stoppedLoop) CallSoon(func()) error { return api.ErrLoopClosed }

func (l stoppedLoop) Logger() *slog.Logger { return l.logger }

func TestCallbackAfterLoopStopIsLogged(t *testing.T) {
	var buf bytes.Buffer
	loop := stoppedLoop{logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	f := future.New(loop)

	ran := false
	f.OnDone(func(error) { ran = true })
	require.True(t, f.Resolve(nil))
	require.False(t, ran)
	require.Contains(t, buf.String(), "done callback dropped")
	require.Contains(t, buf.String(), api.ErrLoopClosed.Error())

	buf.Reset()
	f.OnDone(func(error) { ran = true })
	require.False(t, ran)
	require.Contains(t, buf.String(), "done callback dropped")
}
