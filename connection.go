package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// Connection defaults.
const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultPingTimeout       = 10 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultReadLimit         = 1 << 20
	DefaultSendBuffer        = 64
)

// ConnectionConfig configures a ConnectionManager.
type ConnectionConfig struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8080/ws". http(s)
	// schemes are rewritten to ws(s).
	URL    string
	Tokens TokenSource

	ReconnectDelay time.Duration

	// HeartbeatInterval is the gap between liveness pings. A ping without a
	// pong within PingTimeout closes the connection.
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	SendBuffer        int

	// HTTPClient is used for the handshake. It must not set Timeout.
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *Metrics
}

func (c *ConnectionConfig) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
}

// FrameSender transmits outbound frames. Send reports whether the frame was
// handed to an open connection; it never blocks and never guarantees
// delivery.
type FrameSender interface {
	Send(t FrameType, payload any) bool
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single WebSocket connection of a session and
// keeps it alive: whenever it closes without Disconnect having been called, a
// new attempt is made after ReconnectDelay, indefinitely.
//
// All methods except Connected and State must be called on the scheduler's
// goroutine.
type ConnectionManager struct {
	cfg   ConnectionConfig
	sched Scheduler
	log   zerolog.Logger
	state atomic.Int32

	ctx        context.Context
	epoch      uint64
	conn       *websocket.Conn
	out        chan []byte
	cancelConn context.CancelFunc
	reconnect  CancelFunc
	explicit   bool

	onOpen  []func()
	onClose []func(error)
	onFrame func([]byte)
}

// NewConnectionManager creates a disconnected manager.
func NewConnectionManager(cfg ConnectionConfig, sched Scheduler) *ConnectionManager {
	cfg.defaults()
	return &ConnectionManager{
		cfg:   cfg,
		sched: sched,
		log:   cfg.Logger.With().Str("component", "connection").Logger(),
		ctx:   context.Background(),
	}
}

// OnOpen registers a handler for connection open.
func (m *ConnectionManager) OnOpen(h func()) {
	m.onOpen = append(m.onOpen, h)
}

// OnClose registers a handler for connection close. err is nil after an
// explicit Disconnect.
func (m *ConnectionManager) OnClose(h func(err error)) {
	m.onClose = append(m.onClose, h)
}

// OnFrame sets the receiver of raw inbound frames.
func (m *ConnectionManager) OnFrame(h func(data []byte)) {
	m.onFrame = h
}

// State returns the current connection state. Safe for concurrent use.
func (m *ConnectionManager) State() ConnState {
	return ConnState(m.state.Load())
}

// Connected reports whether the connection is open. Safe for concurrent use.
func (m *ConnectionManager) Connected() bool {
	return m.State() == StateConnected
}

func (m *ConnectionManager) setState(s ConnState) {
	m.state.Store(int32(s))
	m.cfg.Metrics.connected(s == StateConnected)
}

// Connect starts a connection attempt. It is a no-op while an attempt is in
// progress or a connection is open. ctx bounds the connection and all of its
// reconnects.
func (m *ConnectionManager) Connect(ctx context.Context) {
	if m.State() != StateDisconnected {
		return
	}
	if m.reconnect != nil {
		m.reconnect()
		m.reconnect = nil
	}
	m.ctx = ctx
	m.explicit = false
	m.epoch++
	epoch := m.epoch
	m.setState(StateConnecting)
	m.log.Debug().Uint64("epoch", epoch).Msg("connecting")
	go m.dial(ctx, epoch)
}

// Disconnect cancels any pending reconnect and closes the connection. It is
// idempotent.
func (m *ConnectionManager) Disconnect() {
	m.explicit = true
	if m.reconnect != nil {
		m.reconnect()
		m.reconnect = nil
	}
	// Events still in flight from the old connection become stale.
	m.epoch++
	was := m.State()

	if conn, cancel := m.conn, m.cancelConn; conn != nil {
		go func() {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			cancel()
		}()
	} else if cancel != nil {
		cancel()
	}
	m.conn, m.out, m.cancelConn = nil, nil, nil
	m.setState(StateDisconnected)

	if was != StateDisconnected {
		m.log.Info().Msg("disconnected")
		for _, h := range m.onClose {
			h(nil)
		}
	}
}

// Send marshals {type, data} and queues it for the writer. It returns false
// without transmitting when the connection is not open.
func (m *ConnectionManager) Send(t FrameType, payload any) bool {
	if m.State() != StateConnected || m.out == nil {
		return false
	}
	data, err := json.Marshal(Envelope{Type: t, Data: payload})
	if err != nil {
		m.log.Error().Err(err).Str("type", string(t)).Msg("cannot encode frame")
		return false
	}
	select {
	case m.out <- data:
		return true
	default:
		m.log.Warn().Str("type", string(t)).Msg("send buffer full")
		return false
	}
}

func (m *ConnectionManager) dial(ctx context.Context, epoch uint64) {
	conn, err := m.open(ctx)
	if err != nil {
		m.sched.Post(func() { m.closed(epoch, err) })
		return
	}
	if !m.sched.Post(func() { m.opened(epoch, conn) }) {
		conn.Close(websocket.StatusGoingAway, "session closed")
	}
}

func (m *ConnectionManager) open(ctx context.Context) (*websocket.Conn, error) {
	token, err := m.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	u, err := connectURL(m.cfg.URL, token)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{HTTPClient: m.cfg.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(m.cfg.ReadLimit)
	return conn, nil
}

// connectURL appends the bearer token to the endpoint as a query parameter.
func connectURL(base, token string) (string, error) {
	wsURL := strings.Replace(base, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *ConnectionManager) opened(epoch uint64, conn *websocket.Conn) {
	if epoch != m.epoch || m.State() != StateConnecting {
		go conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	connCtx, cancel := context.WithCancel(m.ctx)
	out := make(chan []byte, m.cfg.SendBuffer)
	m.conn, m.out, m.cancelConn = conn, out, cancel
	m.setState(StateConnected)
	m.log.Info().Uint64("epoch", epoch).Msg("connected")

	go m.readLoop(connCtx, epoch, conn)
	go m.writeLoop(connCtx, conn, out)
	go m.heartbeatLoop(connCtx, cancel, epoch, conn)

	for _, h := range m.onOpen {
		h()
	}
}

func (m *ConnectionManager) readLoop(ctx context.Context, epoch uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.sched.Post(func() { m.closed(epoch, err) })
			return
		}
		m.sched.Post(func() {
			if m.onFrame != nil {
				m.onFrame(data)
			}
		})
	}
}

func (m *ConnectionManager) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			writeCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				// Closing makes the read loop report the failure.
				m.log.Warn().Err(err).Msg("write failed")
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// heartbeatLoop pings the peer. A silent peer never closes the socket, so a
// failed ping is reported as the close cause and the connection context is
// cancelled, which makes nhooyr drop the socket and ends the read loop.
func (m *ConnectionManager) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, epoch uint64, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Warn().Err(err).Uint64("epoch", epoch).Msg("heartbeat failed")
				m.sched.Post(func() { m.closed(epoch, fmt.Errorf("heartbeat: %w", err)) })
				cancel()
				return
			}
		}
	}
}

// closed handles both graceful closes and connection errors, including failed
// dials.
func (m *ConnectionManager) closed(epoch uint64, err error) {
	if epoch != m.epoch || m.State() == StateDisconnected {
		return
	}
	if m.cancelConn != nil {
		m.cancelConn()
	}
	m.conn, m.out, m.cancelConn = nil, nil, nil
	m.setState(StateDisconnected)
	m.log.Warn().Err(err).Msg("connection closed")

	for _, h := range m.onClose {
		h(err)
	}
	if !m.explicit && m.ctx.Err() == nil {
		m.scheduleReconnect()
	}
}

func (m *ConnectionManager) scheduleReconnect() {
	if m.reconnect != nil {
		return
	}
	m.log.Info().Dur("delay", m.cfg.ReconnectDelay).Msg("reconnect scheduled")
	m.reconnect = m.sched.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnect = nil
		m.cfg.Metrics.reconnect()
		m.Connect(m.ctx)
	})
}
