package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ============================================================================
// Options
// ============================================================================

// Options configures a Session.
type Options struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string
	// APIURL is the directory API root. Ignored when Directory is set.
	APIURL string
	Tokens TokenSource

	// SelfID is the local user's id. When empty it is resolved with
	// Directory.Me on Start, if the directory supports it.
	SelfID    string
	Directory Directory

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	TypingInterval    time.Duration

	// HTTPClient is used for the WebSocket handshake.
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// Registerer receives the session metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

func (o *Options) defaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.TypingInterval <= 0 {
		o.TypingInterval = DefaultTypingInterval
	}
	if o.Directory == nil && o.APIURL != "" {
		o.Directory = NewDirectoryClient(o.APIURL, o.Tokens)
	}
}

type selfResolver interface {
	Me(ctx context.Context) (*User, error)
}

// ============================================================================
// Session
// ============================================================================

// Session wires a ConnectionManager, Router, Synchronizer, ReceiptTracker
// and TypingNotifier onto one Loop. It is the only part of the package that
// is safe for concurrent use.
//
// Listeners registered with OnMessages, OnConnection, OnConversations and On
// run on the loop goroutine. They must not block and must not call Session
// methods synchronously.
type Session struct {
	opts    Options
	log     zerolog.Logger
	metrics *Metrics

	loop     *Loop
	conn     *ConnectionManager
	router   *Router
	sync     *Synchronizer
	receipts *ReceiptTracker
	typing   *TypingNotifier

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	closed  sync.Once
}

// NewSession creates a session. Nothing connects until Start.
func NewSession(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("chatsync: websocket url is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("chatsync: token source is required")
	}
	opts.defaults()

	s := &Session{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "session").Logger(),
		metrics: NewMetrics(opts.Registerer),
		runCtx:  context.Background(),
	}
	s.loop = NewLoop(opts.Logger)
	s.conn = NewConnectionManager(ConnectionConfig{
		URL:               opts.URL,
		Tokens:            opts.Tokens,
		ReconnectDelay:    opts.ReconnectDelay,
		HeartbeatInterval: opts.HeartbeatInterval,
		HTTPClient:        opts.HTTPClient,
		Logger:            opts.Logger,
		Metrics:           s.metrics,
	}, s.loop)
	s.router = NewRouter(opts.Logger, s.metrics)
	s.sync = NewSynchronizer(SyncConfig{
		SelfID:     opts.SelfID,
		AckTimeout: opts.AckTimeout,
		Logger:     opts.Logger,
		Metrics:    s.metrics,
	}, s.loop, s.conn, opts.Directory)
	s.receipts = NewReceiptTracker(opts.SelfID, s.conn, opts.Logger, s.metrics)
	s.typing = NewTypingNotifier(s.conn, opts.TypingInterval)

	s.conn.OnFrame(s.router.Dispatch)
	s.sync.Register(s.router)
	s.sync.OnChange(func(msgs []Message) { s.receipts.Observe(msgs) })
	s.conn.OnOpen(func() { s.receipts.Observe(s.sync.Messages()) })
	s.router.On(FrameError, func(f Frame) {
		ef := f.(*ErrorFrame)
		s.log.Warn().Str("error", ef.Error).Str("message", ef.Message).Msg("server error")
	})
	return s, nil
}

// Start resolves the local user if needed, starts the loop and connects.
// ctx bounds the whole session.
func (s *Session) Start(ctx context.Context) error {
	selfID := s.SelfID()
	if selfID == "" {
		if r, ok := s.opts.Directory.(selfResolver); ok {
			me, err := r.Me(ctx)
			if err != nil {
				return fmt.Errorf("resolve local user: %w", err)
			}
			selfID = me.ID
		}
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("chatsync: session already started")
	}
	// Components are only touched under mu until the loop runs.
	s.opts.SelfID = selfID
	s.sync.cfg.SelfID = selfID
	s.receipts.selfID = selfID
	runCtx, cancel := context.WithCancel(ctx)
	s.started, s.runCtx, s.cancel = true, runCtx, cancel
	s.mu.Unlock()

	go s.loop.Run(runCtx)
	s.log.Info().Str("self_id", selfID).Msg("session started")
	return s.loop.Call(ctx, func() {
		s.conn.Connect(runCtx)
		s.sync.LoadConversations(runCtx)
	})
}

// Close disconnects and stops the loop. It is idempotent.
func (s *Session) Close() error {
	s.closed.Do(func() {
		s.mu.Lock()
		started, cancel := s.started, s.cancel
		s.mu.Unlock()
		if started {
			_ = s.loop.Call(context.Background(), s.conn.Disconnect)
			cancel()
		}
		s.loop.Stop()
		s.log.Info().Msg("session closed")
	})
	return nil
}

// do runs fn on the loop, or directly while the loop has not started.
func (s *Session) do(ctx context.Context, fn func()) error {
	s.mu.Lock()
	if !s.started {
		defer s.mu.Unlock()
		fn()
		return nil
	}
	s.mu.Unlock()
	return s.loop.Call(ctx, fn)
}

func (s *Session) sessionContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// SelfID returns the local user's id. It is empty until Start resolved it
// when no id was configured.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.SelfID
}

// Connected reports whether the connection is open.
func (s *Session) Connected() bool {
	return s.conn.Connected()
}

// State returns the connection state.
func (s *Session) State() ConnState {
	return s.conn.State()
}

// ── Messaging ─────────────────────────────────────────────

// Send sends content to the active contact. See Synchronizer.Send.
func (s *Session) Send(ctx context.Context, content string) (Message, error) {
	var (
		msg     Message
		sendErr error
	)
	err := s.do(ctx, func() {
		msg, sendErr = s.sync.Send(content)
		if sendErr == nil {
			s.typing.Stop()
		}
	})
	if err != nil {
		return Message{}, err
	}
	return msg, sendErr
}

// Retry re-sends a failed message.
func (s *Session) Retry(ctx context.Context, provisionalID string) error {
	var retryErr error
	if err := s.do(ctx, func() { retryErr = s.sync.Retry(provisionalID) }); err != nil {
		return err
	}
	return retryErr
}

// Typing notifies the active contact that the user is typing.
func (s *Session) Typing(ctx context.Context) error {
	return s.do(ctx, func() { s.typing.Typing(s.sync.RecipientID()) })
}

// StopTyping notifies the active contact that the user stopped typing.
func (s *Session) StopTyping(ctx context.Context) error {
	return s.do(ctx, func() { s.typing.Stop() })
}

// Messages returns a snapshot of the active conversation.
func (s *Session) Messages(ctx context.Context) ([]Message, error) {
	var out []Message
	err := s.do(ctx, func() { out = s.sync.Messages() })
	return out, err
}

// ── Conversations ─────────────────────────────────────────

// SelectContact makes contactID the active contact.
func (s *Session) SelectContact(ctx context.Context, contactID string) error {
	loadCtx := s.sessionContext()
	return s.do(ctx, func() {
		s.typing.Stop()
		s.sync.SelectContact(loadCtx, contactID)
	})
}

// SwitchConversation makes conversationID with recipientID active.
func (s *Session) SwitchConversation(ctx context.Context, conversationID, recipientID string) error {
	loadCtx := s.sessionContext()
	return s.do(ctx, func() {
		s.typing.Stop()
		s.sync.SwitchConversation(loadCtx, conversationID, recipientID)
	})
}

// ActiveConversation returns the active conversation and contact ids.
func (s *Session) ActiveConversation(ctx context.Context) (conversationID, recipientID string, err error) {
	err = s.do(ctx, func() {
		conversationID, recipientID = s.sync.ActiveConversationID(), s.sync.RecipientID()
	})
	return
}

// Conversations returns the cached conversation list.
func (s *Session) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := s.do(ctx, func() { out = s.sync.Conversations() })
	return out, err
}

// RefreshConversations reloads the conversation list in the background.
func (s *Session) RefreshConversations(ctx context.Context) error {
	loadCtx := s.sessionContext()
	return s.do(ctx, func() { s.sync.LoadConversations(loadCtx) })
}

// ── Connection ────────────────────────────────────────────

// Connect reconnects after Disconnect.
func (s *Session) Connect(ctx context.Context) error {
	runCtx := s.sessionContext()
	return s.do(ctx, func() { s.conn.Connect(runCtx) })
}

// Disconnect closes the connection without reconnecting.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.do(ctx, s.conn.Disconnect)
}

// ── Listeners ─────────────────────────────────────────────

// OnMessages registers a listener for changes of the active conversation.
func (s *Session) OnMessages(h func([]Message)) error {
	return s.do(context.Background(), func() { s.sync.OnChange(h) })
}

// OnConversations registers a listener for conversation list refreshes.
func (s *Session) OnConversations(h func([]Conversation)) error {
	return s.do(context.Background(), func() { s.sync.OnConversations(h) })
}

// OnConnection registers a listener for connection state changes. err is
// the close cause, nil on open and after Disconnect.
func (s *Session) OnConnection(h func(state ConnState, err error)) error {
	return s.do(context.Background(), func() {
		s.conn.OnOpen(func() { h(StateConnected, nil) })
		s.conn.OnClose(func(err error) { h(StateDisconnected, err) })
	})
}

// On registers a handler for an inbound frame type the session does not
// consume itself, such as typing or user_status. It replaces any previous
// handler for t.
func (s *Session) On(t FrameType, h Handler) error {
	switch t {
	case FrameNewMessage, FrameMessageAck, FrameStatusUpdate:
		return ErrReservedFrame
	}
	return s.do(context.Background(), func() { s.router.On(t, h) })
}
