// eventloop_test.go: host loop ordering and execution-context tests.
package concurrency_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/internal/concurrency"
)

// TestEventLoop_Basic posts callbacks and asserts FIFO execution under the host lock.
func TestEventLoop_Basic(t *testing.T) {
	defer goleak.VerifyNone(t)

	lock := concurrency.NewHostLock()
	loop := concurrency.NewEventLoop(lock, nil)
	go loop.Run()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, loop.CallSoon(func() {
			require.Equal(t, loop.Owner(), lock.Holder())
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, loop.RunSync(func() {}))
	loop.Stop()

	require.Len(t, order, 50)
	for i, v := range order {
		require.Equal(t, i, v)
	}
	require.EqualValues(t, 51, loop.Processed())
	require.ErrorIs(t, loop.CallSoon(func() {}), api.ErrLoopClosed)
}

func TestEventLoopSurvivesCallbackPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	lock := concurrency.NewHostLock()
	loop := concurrency.NewEventLoop(lock, nil)
	go loop.Run()

	require.NoError(t, loop.CallSoon(func() { panic("host raised") }))
	ran := false
	require.NoError(t, loop.RunSync(func() { ran = true }))
	require.True(t, ran)
	require.Equal(t, concurrency.NoOwner, lock.Holder())
	loop.Stop()
}

func TestEventLoopStopDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := concurrency.NewEventLoop(concurrency.NewHostLock(), nil)
	var n int
	for i := 0; i < 10; i++ {
		require.NoError(t, loop.CallSoon(func() { n++ }))
	}
	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()
	require.NoError(t, loop.RunSync(func() {}))
	loop.Stop()
	<-done
	require.Equal(t, 10, n)
}

func TestEventLoopHandsOutItsGuard(t *testing.T) {
	defer goleak.VerifyNone(t)

	lock := concurrency.NewHostLock()
	loop := concurrency.NewEventLoop(lock, nil)
	go loop.Run()
	defer loop.Stop()

	var held, sameOwner bool
	var guard *concurrency.Guard
	require.NoError(t, loop.RunSyncWithGuard(func(g *concurrency.Guard) {
		guard = g
		held = lock.Holds(g)
		sameOwner = g.Owner() == loop.Owner()
	}))
	require.True(t, held)
	require.True(t, sameOwner)
	require.Eventually(t, func() bool { return !lock.Holds(guard) }, time.Second, time.Millisecond)

	got := make(chan bool, 1)
	require.NoError(t, loop.CallSoonWithGuard(func(g *concurrency.Guard) { got <- lock.Holds(g) }))
	require.True(t, <-got)
}
