package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T, l *Loop) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()
	return cancel, done
}

func TestPostRunsInOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	assert.Equal(t, 5, l.RunPending())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.EqualValues(t, 5, l.Dispatched())
}

func TestPostFromManyGoroutines(t *testing.T) {
	l := New()
	cancel, done := runLoop(t, l)
	defer cancel()

	// Only ever touched on the loop
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Post(func() { counter++ }))
		}()
	}
	wg.Wait()
	finished := make(chan int)
	require.NoError(t, l.Post(func() { finished <- counter }))
	assert.Equal(t, 50, <-finished)

	l.Stop()
	assert.NoError(t, <-done)
	assert.ErrorIs(t, l.Post(func() {}), ErrLoopStopped)
}

func TestRunReturnsContextError(t *testing.T) {
	l := New()
	cancel, done := runLoop(t, l)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, l.Stopped())
}

func TestTimerFiresOnLoop(t *testing.T) {
	l := New()
	cancel, done := runLoop(t, l)
	defer func() {
		cancel()
		<-done
	}()

	fired := make(chan time.Duration, 1)
	start := l.Now()
	l.AfterFunc(5*time.Millisecond, func() { fired <- l.Now() })
	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at-start, 5*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestStoppedTimerNeverFires(t *testing.T) {
	l := New()
	fired := false
	timer := l.AfterFunc(time.Millisecond, func() { fired = true })
	time.Sleep(20 * time.Millisecond)
	// Expired and queued, but not yet run on the loop
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	l.RunPending()
	assert.False(t, fired)
}

func TestNowIsMonotonic(t *testing.T) {
	l := New()
	a := l.Now()
	b := l.Now()
	assert.Greater(t, a, time.Duration(0))
	assert.GreaterOrEqual(t, b, a)
}
