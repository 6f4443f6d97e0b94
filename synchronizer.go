package chatsync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Synchronizer defaults.
const (
	DefaultAckTimeout     = 15 * time.Second
	DefaultRefreshTimeout = 10 * time.Second

	maxEarlyStatuses = 256
)

// SyncConfig configures a Synchronizer.
type SyncConfig struct {
	// SelfID is the local user's id, stamped on outgoing messages.
	SelfID         string
	AckTimeout     time.Duration
	RefreshTimeout time.Duration

	NewID func() string
	Now   func() time.Time

	Logger  zerolog.Logger
	Metrics *Metrics
}

func (c *SyncConfig) defaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// outgoingMessage is a message created by this session.
type outgoingMessage struct {
	msg         *Message
	recipientID string
}

// pendingSend is the correlation entry of a message awaiting its ack.
type pendingSend struct {
	provisionalID  string
	conversationID string
	recipientID    string
	content        string
	cancel         CancelFunc
}

// ============================================================================
// Synchronizer
// ============================================================================

// Synchronizer owns the active conversation's message list and drives the
// send / ack / timeout / retry state machine of locally sent messages:
//
//	(new)   --send-->         pending
//	pending --ack-->          sent | delivered | read
//	pending --ack error-->    failed (server reason)
//	pending --send refused--> failed ("send failed")
//	pending --ack timeout-->  failed ("timeout")
//	failed  --retry-->        pending
//	settled --status_update-> settled
//
// Messages are only appended, never removed, and the list is replaced
// wholesale on conversation switch. Pending correlations outlive a switch and
// keep updating the message they were created for.
//
// A Synchronizer is not safe for concurrent use; all calls must happen on the
// scheduler's goroutine.
type Synchronizer struct {
	cfg   SyncConfig
	sched Scheduler
	conn  FrameSender
	dir   Directory
	log   zerolog.Logger

	activeID    string
	recipientID string
	messages    []*Message
	switchSeq   uint64

	pending    map[string]*pendingSend
	outgoing   map[string]*outgoingMessage
	early      map[string]MessageStatus
	earlyOrder []string

	conversations []Conversation
	refreshing    bool
	refreshQueued bool
	listeners     []func([]Message)
	convListeners []func([]Conversation)
}

// NewSynchronizer creates a Synchronizer with no active conversation. dir may
// be nil, in which case history and conversation lists are never loaded.
func NewSynchronizer(cfg SyncConfig, sched Scheduler, conn FrameSender, dir Directory) *Synchronizer {
	cfg.defaults()
	return &Synchronizer{
		cfg:      cfg,
		sched:    sched,
		conn:     conn,
		dir:      dir,
		log:      cfg.Logger.With().Str("component", "sync").Logger(),
		pending:  make(map[string]*pendingSend),
		outgoing: make(map[string]*outgoingMessage),
		early:    make(map[string]MessageStatus),
	}
}

// Register installs the synchronizer's frame handlers on r.
func (s *Synchronizer) Register(r *Router) {
	r.On(FrameNewMessage, func(f Frame) { s.HandleNewMessage(f.(*NewMessageFrame)) })
	r.On(FrameMessageAck, func(f Frame) { s.HandleAck(f.(*MessageAckFrame)) })
	r.On(FrameStatusUpdate, func(f Frame) { s.HandleStatusUpdate(f.(*StatusUpdateFrame)) })
}

// OnChange registers a listener called with a snapshot of the active list
// after every change.
func (s *Synchronizer) OnChange(h func([]Message)) {
	s.listeners = append(s.listeners, h)
}

// OnConversations registers a listener for conversation list refreshes.
func (s *Synchronizer) OnConversations(h func([]Conversation)) {
	s.convListeners = append(s.convListeners, h)
}

// Messages returns a copy of the active message list.
func (s *Synchronizer) Messages() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// Conversations returns the last loaded conversation list.
func (s *Synchronizer) Conversations() []Conversation {
	return append([]Conversation(nil), s.conversations...)
}

// ActiveConversationID returns the active conversation, or "" when the
// active contact has no conversation yet.
func (s *Synchronizer) ActiveConversationID() string { return s.activeID }

// RecipientID returns the active contact.
func (s *Synchronizer) RecipientID() string { return s.recipientID }

// PendingCount returns the number of messages awaiting acknowledgment.
func (s *Synchronizer) PendingCount() int { return len(s.pending) }

// Outgoing returns the current state of a message sent in this session.
func (s *Synchronizer) Outgoing(provisionalID string) (Message, bool) {
	o, ok := s.outgoing[provisionalID]
	if !ok {
		return Message{}, false
	}
	return *o.msg, true
}

// ── Sending ───────────────────────────────────────────────

// Send appends a pending message to the active conversation and transmits it
// to the active contact. The returned message reflects its state after the
// send primitive ran: pending, or failed if the connection was down.
func (s *Synchronizer) Send(content string) (Message, error) {
	if s.recipientID == "" {
		return Message{}, ErrNoRecipient
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	id := s.cfg.NewID()
	convID := s.activeID
	if convID == "" {
		convID = PendingConversationID
	}
	msg := &Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       s.cfg.SelfID,
		Content:        content,
		Type:           "text",
		Timestamp:      s.cfg.Now().UTC().Format(time.RFC3339Nano),
		Status:         StatusPending,
		ProvisionalID:  id,
	}
	s.messages = append(s.messages, msg)
	s.outgoing[id] = &outgoingMessage{msg: msg, recipientID: s.recipientID}

	s.transmit(msg, s.recipientID)
	s.changed()
	return *msg, nil
}

// Retry re-sends a failed message under its original provisional id.
func (s *Synchronizer) Retry(provisionalID string) error {
	o, ok := s.outgoing[provisionalID]
	if !ok {
		return ErrUnknownMessage
	}
	if o.msg.Status != StatusFailed {
		return ErrNotFailed
	}
	o.msg.Status = StatusPending
	o.msg.ErrorReason = ""
	s.cfg.Metrics.retry()
	s.log.Info().Str("temp_id", provisionalID).Msg("retrying message")

	s.transmit(o.msg, o.recipientID)
	s.changed()
	return nil
}

// transmit hands a pending message to the connection and arms its ack timer.
func (s *Synchronizer) transmit(msg *Message, recipientID string) {
	payload := SendMessagePayload{
		RecipientID: recipientID,
		Content:     msg.Content,
		Type:        "text",
		TempID:      msg.ProvisionalID,
	}
	if msg.ConversationID != PendingConversationID {
		convID := msg.ConversationID
		payload.ConversationID = &convID
	}

	if !s.conn.Send(FrameSendMessage, payload) {
		s.fail(msg, ReasonSendFailed)
		return
	}
	s.cfg.Metrics.sent()

	// The ack is dispatched on this goroutine too, so it cannot arrive before
	// the entry exists.
	p := &pendingSend{
		provisionalID:  msg.ProvisionalID,
		conversationID: msg.ConversationID,
		recipientID:    recipientID,
		content:        msg.Content,
	}
	p.cancel = s.sched.AfterFunc(s.cfg.AckTimeout, func() { s.expire(p) })
	s.pending[msg.ProvisionalID] = p
}

func (s *Synchronizer) expire(p *pendingSend) {
	if s.pending[p.provisionalID] != p {
		return
	}
	delete(s.pending, p.provisionalID)
	s.cfg.Metrics.timeout()
	s.fail(s.outgoing[p.provisionalID].msg, ReasonTimeout)
	s.changed()
}

func (s *Synchronizer) fail(msg *Message, reason string) {
	msg.Status = StatusFailed
	msg.ErrorReason = reason
	s.log.Warn().Str("temp_id", msg.ProvisionalID).Str("reason", reason).Msg("message failed")
}

// ── Inbound frames ────────────────────────────────────────

// HandleAck reconciles a pending message with the server's acknowledgment.
func (s *Synchronizer) HandleAck(f *MessageAckFrame) {
	p, ok := s.pending[f.TempID]
	if !ok {
		s.cfg.Metrics.ack("unmatched")
		s.log.Debug().Str("temp_id", f.TempID).Msg("ack without pending message")
		return
	}
	p.cancel()
	delete(s.pending, f.TempID)
	msg := s.outgoing[f.TempID].msg

	if f.Error != "" {
		s.cfg.Metrics.ack("error")
		s.fail(msg, f.Error)
		s.changed()
		return
	}

	if f.ServerID != "" {
		s.collapse(f.ServerID, msg)
		msg.ID = f.ServerID
	}
	if f.Timestamp != "" {
		msg.Timestamp = f.Timestamp
	}
	status := f.Status
	if !status.Settled() {
		status = StatusSent
	}
	if early, ok := s.early[msg.ID]; ok {
		delete(s.early, msg.ID)
		if early.rank() > status.rank() {
			status = early
		}
	}
	msg.Status = status
	msg.ErrorReason = ""
	s.cfg.Metrics.ack("ok")
	s.log.Debug().Str("temp_id", f.TempID).Str("id", msg.ID).Str("status", string(status)).Msg("message acknowledged")

	s.changed()
	s.refreshConversations()
}

// collapse drops an entry that already carries realID, e.g. one loaded with
// the history while the ack was in flight.
func (s *Synchronizer) collapse(realID string, keep *Message) {
	for i, m := range s.messages {
		if m != keep && m.ID == realID && m.HasRealID() {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// HandleNewMessage appends a pushed message to the active conversation unless
// an entry with the same id is already present.
func (s *Synchronizer) HandleNewMessage(f *NewMessageFrame) {
	m := f.Message
	if s.activeID == "" && s.recipientID != "" && m.SenderID == s.recipientID &&
		m.ConversationID != "" && !s.isGroup(m.ConversationID) {
		s.adopt(m.ConversationID)
	}

	if s.activeID != "" && m.ConversationID == s.activeID {
		if s.indexOf(m.ID) >= 0 {
			s.cfg.Metrics.dropped("duplicate")
			s.log.Debug().Str("id", m.ID).Msg("duplicate message dropped")
		} else {
			s.messages = append(s.messages, &m)
			s.changed()
		}
	}
	s.refreshConversations()
}

// HandleStatusUpdate applies a delivery status change to the message with
// the given real id.
func (s *Synchronizer) HandleStatusUpdate(f *StatusUpdateFrame) {
	msg := s.findByRealID(f.MessageID)
	if msg == nil {
		s.rememberStatus(f.MessageID, f.Status)
		return
	}
	if !msg.Status.Settled() || msg.Status == f.Status {
		return
	}
	msg.Status = f.Status
	s.changed()
}

// rememberStatus keeps a status update for an id no message carries yet. The
// server reports delivery before it acknowledges the sender, so the id may
// show up with the next ack.
func (s *Synchronizer) rememberStatus(id string, status MessageStatus) {
	if len(s.pending) == 0 {
		return
	}
	if prev, ok := s.early[id]; ok {
		if status.rank() > prev.rank() {
			s.early[id] = status
		}
		return
	}
	if len(s.earlyOrder) >= maxEarlyStatuses {
		delete(s.early, s.earlyOrder[0])
		s.earlyOrder = s.earlyOrder[1:]
	}
	s.early[id] = status
	s.earlyOrder = append(s.earlyOrder, id)
}

func (s *Synchronizer) indexOf(id string) int {
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) findByRealID(id string) *Message {
	if i := s.indexOf(id); i >= 0 && s.messages[i].HasRealID() {
		return s.messages[i]
	}
	for _, o := range s.outgoing {
		if o.msg.ID == id && o.msg.HasRealID() {
			return o.msg
		}
	}
	return nil
}

// ── Conversations ─────────────────────────────────────────

// SwitchConversation makes conversationID with recipientID the active
// conversation and loads its history. An empty conversationID selects a
// contact with no conversation yet. Pending sends are left untouched.
func (s *Synchronizer) SwitchConversation(ctx context.Context, conversationID, recipientID string) {
	s.switchSeq++
	seq := s.switchSeq
	s.activeID = conversationID
	s.recipientID = recipientID
	s.messages = nil
	s.changed()

	if conversationID == "" || s.dir == nil {
		return
	}
	go func() {
		history, err := s.dir.Messages(ctx, conversationID)
		s.sched.Post(func() { s.applyHistory(seq, conversationID, history, err) })
	}()
}

// SelectContact switches to the direct conversation with contactID, if one
// is known.
func (s *Synchronizer) SelectContact(ctx context.Context, contactID string) {
	s.SwitchConversation(ctx, s.conversationWith(contactID), contactID)
}

func (s *Synchronizer) conversationWith(contactID string) string {
	for _, c := range s.conversations {
		if c.Type != "group" && c.HasParticipant(contactID) {
			return c.ID
		}
	}
	return ""
}

// isGroup reports whether conversationID is a known group conversation.
func (s *Synchronizer) isGroup(conversationID string) bool {
	for _, c := range s.conversations {
		if c.ID == conversationID {
			return c.Type == "group"
		}
	}
	return false
}

func (s *Synchronizer) applyHistory(seq uint64, conversationID string, history []Message, err error) {
	if seq != s.switchSeq {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to load messages")
		return
	}

	merged := make([]*Message, 0, len(history)+len(s.messages))
	seen := make(map[string]struct{}, len(history))
	for i := range history {
		m := history[i]
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if m.Status == "" {
			m.Status = StatusSent
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, &m)
	}
	// Keep what arrived while the history was loading.
	for _, m := range s.messages {
		if _, dup := seen[m.ID]; !dup {
			merged = append(merged, m)
		}
	}
	s.messages = merged
	s.changed()
}

// LoadConversations fetches the conversation list.
func (s *Synchronizer) LoadConversations(ctx context.Context) {
	if s.dir == nil {
		return
	}
	if s.refreshing {
		s.refreshQueued = true
		return
	}
	s.refreshing = true
	go func() {
		convs, err := s.dir.Conversations(ctx)
		s.sched.Post(func() { s.applyConversations(convs, err) })
	}()
}

func (s *Synchronizer) refreshConversations() {
	if s.dir == nil {
		return
	}
	if s.refreshing {
		s.refreshQueued = true
		return
	}
	s.refreshing = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
		defer cancel()
		convs, err := s.dir.Conversations(ctx)
		s.sched.Post(func() { s.applyConversations(convs, err) })
	}()
}

func (s *Synchronizer) applyConversations(convs []Conversation, err error) {
	s.refreshing = false
	if s.refreshQueued {
		s.refreshQueued = false
		defer s.refreshConversations()
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to load conversations")
		return
	}
	s.conversations = convs
	for _, h := range s.convListeners {
		s.notify(func() { h(append([]Conversation(nil), convs...)) })
	}
	if s.activeID == "" && s.recipientID != "" {
		if id := s.conversationWith(s.recipientID); id != "" {
			s.adopt(id)
		}
	}
}

// adopt replaces the placeholder conversation id once the server has created
// the conversation with the active contact.
func (s *Synchronizer) adopt(conversationID string) {
	s.activeID = conversationID
	for _, o := range s.outgoing {
		if o.recipientID == s.recipientID && o.msg.ConversationID == PendingConversationID {
			o.msg.ConversationID = conversationID
		}
	}
	for _, p := range s.pending {
		if p.recipientID == s.recipientID && p.conversationID == PendingConversationID {
			p.conversationID = conversationID
		}
	}
	s.log.Info().Str("conversation_id", conversationID).Msg("conversation created")
	s.changed()
}

func (s *Synchronizer) changed() {
	if len(s.listeners) == 0 {
		return
	}
	snapshot := s.Messages()
	for _, h := range s.listeners {
		s.notify(func() { h(snapshot) })
	}
}

// notify runs a listener, swallowing panics in user callbacks.
func (s *Synchronizer) notify(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Interface("panic", p).Msg("listener panicked")
		}
	}()
	fn()
}
