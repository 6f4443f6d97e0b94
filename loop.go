package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CancelFunc cancels a task scheduled with AfterFunc. It must be called from
// the loop goroutine; after it returns the task is guaranteed not to run.
type CancelFunc func()

// Scheduler runs tasks on a single cooperative goroutine.
type Scheduler interface {
	// Post queues task for execution. Safe to call from any goroutine.
	Post(task func()) bool
	// AfterFunc queues task once d has elapsed.
	AfterFunc(d time.Duration, task func()) CancelFunc
}

// Loop is the single goroutine that owns all session state. Connection
// events, inbound frames, timers and user actions are all executed here, one
// at a time, so the components it drives need no locks.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	log     zerolog.Logger
}

// NewLoop creates a loop. Run must be called to start executing tasks.
func NewLoop(logger zerolog.Logger) *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  logger.With().Str("component", "loop").Logger(),
	}
}

// Post queues task. It never blocks and returns false once the loop stopped.
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// AfterFunc queues task on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, task func()) CancelFunc {
	// Only touched on the loop goroutine.
	cancelled := false
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if cancelled {
				return
			}
			cancelled = true
			task()
		})
	})
	return func() {
		t.Stop()
		cancelled = true
	}
}

// Call runs task on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		task()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The task may have been dropped with the rest of the queue.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued tasks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, task := range batch {
				l.run(task)
			}
		}
	}
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	task()
}

// Stop stops the loop and discards queued tasks. Safe to call repeatedly.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
