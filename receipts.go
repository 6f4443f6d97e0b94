package chatsync

import "github.com/rs/zerolog"

// ReceiptTracker sends one read_receipt per distinct inbound message. The
// set of observed ids only grows for the lifetime of the tracker.
//
// A ReceiptTracker is owned by the loop goroutine.
type ReceiptTracker struct {
	selfID   string
	conn     FrameSender
	observed map[string]struct{}
	log      zerolog.Logger
	metrics  *Metrics
}

// NewReceiptTracker creates a tracker acknowledging messages not sent by
// selfID.
func NewReceiptTracker(selfID string, conn FrameSender, logger zerolog.Logger, metrics *Metrics) *ReceiptTracker {
	return &ReceiptTracker{
		selfID:   selfID,
		conn:     conn,
		observed: make(map[string]struct{}),
		log:      logger.With().Str("component", "receipts").Logger(),
		metrics:  metrics,
	}
}

// Observe sends a read receipt for every message in msgs that was authored
// by someone else, carries a real id and has not been acknowledged yet. It
// returns the number of receipts sent.
//
// An id is only recorded once its receipt was handed to the connection, so
// messages seen while offline are acknowledged after the next Observe.
func (t *ReceiptTracker) Observe(msgs []Message) int {
	sent := 0
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == t.selfID || !m.HasRealID() {
			continue
		}
		if _, ok := t.observed[m.ID]; ok {
			continue
		}
		if !t.conn.Send(FrameReadReceipt, ReadReceiptPayload{MessageID: m.ID}) {
			continue
		}
		t.observed[m.ID] = struct{}{}
		t.metrics.receipt()
		sent++
	}
	if sent > 0 {
		t.log.Debug().Int("count", sent).Msg("read receipts sent")
	}
	return sent
}

// Seen reports whether a receipt was sent for id.
func (t *ReceiptTracker) Seen(id string) bool {
	_, ok := t.observed[id]
	return ok
}

// Len returns the number of acknowledged ids.
func (t *ReceiptTracker) Len() int { return len(t.observed) }
