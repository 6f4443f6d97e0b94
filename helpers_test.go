package chatsync

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// manualScheduler is a Scheduler whose clock only moves on Advance and whose
// posted tasks only run on RunPosted.
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	posted []func()
	timers []*manualTimer
}

type manualTimer struct {
	at        time.Duration
	task      func()
	cancelled bool
	fired     bool
}

func (s *manualScheduler) Post(task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = append(s.posted, task)
	return true
}

func (s *manualScheduler) AfterFunc(d time.Duration, task func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{at: s.now + d, task: task}
	s.timers = append(s.timers, t)
	return func() {
		s.mu.Lock()
		t.cancelled = true
		s.mu.Unlock()
	}
}

// Advance moves the clock forward and fires every due timer in order.
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()
	for {
		s.mu.Lock()
		var due []*manualTimer
		for _, t := range s.timers {
			if !t.cancelled && !t.fired && t.at <= s.now {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			s.mu.Unlock()
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
		next := due[0]
		next.fired = true
		s.mu.Unlock()
		next.task()
	}
}

// Armed returns the number of timers that have neither fired nor been
// cancelled.
func (s *manualScheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.cancelled && !t.fired {
			n++
		}
	}
	return n
}

// RunPosted runs the posted tasks, including ones they post, and returns how
// many ran.
func (s *manualScheduler) RunPosted() int {
	ran := 0
	for {
		s.mu.Lock()
		batch := s.posted
		s.posted = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return ran
		}
		for _, task := range batch {
			task()
			ran++
		}
	}
}

// awaitPosted waits until n tasks were posted by background goroutines.
func (s *manualScheduler) awaitPosted(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.posted) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

// runUntil runs posted tasks until cond holds.
func (s *manualScheduler) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.RunPosted()
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

type sentFrame struct {
	Type    FrameType
	Payload any
}

// recordingSender is a FrameSender that records what it accepts.
type recordingSender struct {
	up     bool
	frames []sentFrame
}

func (r *recordingSender) Send(t FrameType, payload any) bool {
	if !r.up {
		return false
	}
	r.frames = append(r.frames, sentFrame{Type: t, Payload: payload})
	return true
}

func (r *recordingSender) ofType(t FrameType) []sentFrame {
	var out []sentFrame
	for _, f := range r.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// fakeDirectory serves canned conversations and histories.
type fakeDirectory struct {
	mu            sync.Mutex
	conversations []Conversation
	history       map[string][]Message
	err           error
	convCalls     int
}

func (d *fakeDirectory) Conversations(context.Context) ([]Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.convCalls++
	if d.err != nil {
		return nil, d.err
	}
	return append([]Conversation(nil), d.conversations...), nil
}

func (d *fakeDirectory) Messages(_ context.Context, conversationID string) ([]Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]Message(nil), d.history[conversationID]...), nil
}

func (d *fakeDirectory) setConversations(convs ...Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations = convs
}

// sequentialIDs returns an id generator yielding tmp-1, tmp-2, ...
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "tmp-" + strconv.Itoa(n)
	}
}

// fixedNow is the clock used for message timestamps in tests.
func fixedNow() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func incoming(id, conversationID, sender, content string) *NewMessageFrame {
	return &NewMessageFrame{Message: Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		Content:        content,
		Type:           "text",
		Timestamp:      "2026-01-02T03:04:05Z",
		Status:         StatusSent,
	}}
}
