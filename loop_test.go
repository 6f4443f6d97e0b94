package chatsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Call(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopRecoversPanics(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Call(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopAfterFunc(t *testing.T) {
	t.Run("fires", func(t *testing.T) {
		l := startLoop(t)
		fired := make(chan struct{})
		l.Post(func() {
			l.AfterFunc(10*time.Millisecond, func() { close(fired) })
		})
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}
	})

	t.Run("cancel after the timer queued its task", func(t *testing.T) {
		l := startLoop(t)
		var fired atomic.Bool

		require.NoError(t, l.Call(context.Background(), func() {
			cancel := l.AfterFunc(time.Millisecond, func() { fired.Store(true) })
			// The timer fires while the loop is busy and queues its task.
			time.Sleep(20 * time.Millisecond)
			cancel()
		}))

		require.NoError(t, l.Call(context.Background(), func() {}))
		assert.False(t, fired.Load())
	})
}

func TestLoopStop(t *testing.T) {
	l := NewLoop(zerolog.Nop())
	go l.Run(context.Background())

	require.NoError(t, l.Call(context.Background(), func() {}))
	l.Stop()
	l.Stop()

	<-l.Done()
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrClosed)
}

func TestLoopCallContext(t *testing.T) {
	l := NewLoop(zerolog.Nop())
	defer l.Stop()

	// Never run: the loop is not started.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Call(ctx, func() {}), context.DeadlineExceeded)
}
