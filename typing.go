package chatsync

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultTypingInterval is the minimum gap between two typing notifications.
const DefaultTypingInterval = 2 * time.Second

// TypingNotifier tells the active contact that the local user is typing.
// Start notifications are throttled; a stop is only sent after a start.
//
// A TypingNotifier is owned by the loop goroutine.
type TypingNotifier struct {
	conn     FrameSender
	interval time.Duration
	limiter  *rate.Limiter
	now      func() time.Time

	recipientID string
	active      bool
}

// NewTypingNotifier creates a notifier sending at most one start notification
// per interval.
func NewTypingNotifier(conn FrameSender, interval time.Duration) *TypingNotifier {
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	return &TypingNotifier{
		conn:     conn,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		now:      time.Now,
	}
}

// Typing notifies recipientID that the user is typing. It reports whether a
// frame was sent.
func (n *TypingNotifier) Typing(recipientID string) bool {
	if recipientID == "" {
		return false
	}
	if recipientID != n.recipientID {
		n.Stop()
		n.recipientID = recipientID
		n.limiter = rate.NewLimiter(rate.Every(n.interval), 1)
	}
	if !n.limiter.AllowN(n.now(), 1) {
		return false
	}
	if !n.conn.Send(FrameTyping, TypingPayload{RecipientID: recipientID, IsTyping: true}) {
		return false
	}
	n.active = true
	return true
}

// Stop tells the last notified contact that the user stopped typing.
func (n *TypingNotifier) Stop() bool {
	if !n.active {
		return false
	}
	n.active = false
	return n.conn.Send(FrameTyping, TypingPayload{RecipientID: n.recipientID, IsTyping: false})
}
