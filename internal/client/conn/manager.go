package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/kazerdira/chatty/internal/bus"
	"github.com/kazerdira/chatty/internal/protocol"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send when the session is not CONNECTED.
// There is no queuing at this layer; the outbox is the queue.
var ErrNotConnected = errors.New("not connected")

// ErrAckTimeout is returned when the server does not acknowledge a message
// within the ack window.
var ErrAckTimeout = errors.New("timed out waiting for server ack")

// RejectError carries the server's explicit per-message rejection reason.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("server rejected message: %s", e.Reason)
}

// TokenSource provides the current access token for the handshake. Token
// storage mechanics live outside this core.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource is a TokenSource for a fixed token string.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// Manager owns one logical WebSocket session to the server. It enforces
// single-flight connect, the explicit no-reconnect flag, and dispatches
// inbound frames to bus subscribers in arrival order.
type Manager struct {
	url     string
	userID  string
	tokens  TokenSource
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger
	dialer  *websocket.Dialer

	// mu guards conn, connecting, noReconnect, connectCancel,
	// reconnectTimer and readGen. These are the only shared flags between
	// Connect/Disconnect callers and the background reconnect path; a
	// single lock keeps a disconnect from interleaving with a connect.
	mu             sync.Mutex
	conn           *websocket.Conn
	connecting     bool
	noReconnect    bool
	connectCancel  context.CancelFunc
	reconnectTimer *time.Timer
	readGen        int

	writeMu sync.Mutex

	reconnect  *backoff.Backoff
	acks       *ackRegistry
	ackTimeout time.Duration
}

// NewManager creates a connection manager for the given server URL and user.
func NewManager(url, userID string, tokens TokenSource, machine *Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		url:     url,
		userID:  userID,
		tokens:  tokens,
		machine: machine,
		bus:     b,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		reconnect: &backoff.Backoff{
			Min:    time.Second,
			Max:    32 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		acks:       newAckRegistry(),
		ackTimeout: 10 * time.Second,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// Connect establishes the session. It is a no-op while a connect is already
// in flight, while connected, and while the no-reconnect flag from an
// explicit Disconnect is set. At most one handshake is in flight at any
// time, regardless of concurrent callers.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connecting || m.noReconnect || m.machine.Current() == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	dialCtx, cancel := context.WithCancel(ctx)
	m.connectCancel = cancel
	m.mu.Unlock()

	_ = m.machine.Transition(StateConnecting)
	m.logger.Info("connecting", zap.String("url", m.url))

	c, err := m.handshake(dialCtx)
	cancel()

	m.mu.Lock()
	m.connecting = false
	m.connectCancel = nil
	if err != nil {
		stopped := m.noReconnect
		m.mu.Unlock()
		m.logger.Warn("connect failed", zap.Error(err))
		if stopped {
			// Disconnect won the race; it already moved the machine.
			return err
		}
		_ = m.machine.Transition(StateError)
		m.scheduleReconnect()
		return err
	}
	if m.noReconnect {
		// Disconnect arrived after the dial succeeded.
		m.mu.Unlock()
		_ = c.Close()
		return nil
	}
	m.conn = c
	m.readGen++
	gen := m.readGen
	m.mu.Unlock()

	_ = m.machine.Transition(StateConnected)
	m.reconnect.Reset()
	m.logger.Info("connected")
	m.bus.Publish(bus.Event{Kind: bus.KindConnConnected, Timestamp: time.Now()})

	go m.readPump(gen, c)
	return nil
}

// handshake dials the server and sends the mandatory first authenticate
// frame.
func (m *Manager) handshake(ctx context.Context) (*websocket.Conn, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	c, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	data, err := protocol.EncodeClientFrame(protocol.AuthenticateFrame{
		UserID: m.userID,
		Token:  token,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("send authenticate: %w", err)
	}
	return c, nil
}

// Disconnect closes the session and sets the no-reconnect flag. It cancels
// any in-flight connect attempt and any pending reconnect timer; an explicit
// disconnect always wins over automatic reconnection. Call
// ResetReconnectionFlag before the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.noReconnect = true
	if m.connectCancel != nil {
		m.connectCancel()
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	c := m.conn
	m.conn = nil
	m.readGen++
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	if m.machine.Current() != StateDisconnected {
		_ = m.machine.Transition(StateDisconnected)
	}
	m.acks.failAll(ErrNotConnected)
	m.logger.Info("disconnected")
	m.bus.Publish(bus.Event{Kind: bus.KindConnDisconnected, Timestamp: time.Now()})
}

// ResetReconnectionFlag re-arms Connect after an explicit Disconnect. Kept
// as a separate step so a background retry cannot silently undo a logout.
func (m *Manager) ResetReconnectionFlag() {
	m.mu.Lock()
	m.noReconnect = false
	m.mu.Unlock()
	m.reconnect.Reset()
}

// Send transmits a frame over the live socket. Fails immediately when not
// connected.
func (m *Manager) Send(f protocol.ClientFrame) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil || m.machine.Current() != StateConnected {
		return ErrNotConnected
	}

	data, err := protocol.EncodeClientFrame(f)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return c.WriteMessage(websocket.TextMessage, data)
}

// SendMessage transmits a send_message frame and blocks until the server
// acknowledges it, rejects it, the context is canceled, or the ack window
// expires. The outbox dispatcher is the only caller.
func (m *Manager) SendMessage(ctx context.Context, messageID, roomID string, content json.RawMessage, replyTo string) error {
	ch := m.acks.register(messageID)
	defer m.acks.unregister(messageID)

	err := m.Send(protocol.SendMessageFrame{
		MessageID: messageID,
		RoomID:    roomID,
		Content:   content,
		ReplyTo:   replyTo,
	})
	if err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.ackTimeout):
		return ErrAckTimeout
	}
}

// SendStatusUpdate emits a delivery or read receipt.
func (m *Manager) SendStatusUpdate(messageID string, status protocol.MessageStatus) error {
	return m.Send(protocol.StatusUpdateFrame{MessageID: messageID, Status: status})
}

// JoinRoom subscribes the session to a room's live traffic.
func (m *Manager) JoinRoom(roomID string) error {
	return m.Send(protocol.JoinRoomFrame{RoomID: roomID})
}

// SendTyping signals typing state in a room.
func (m *Manager) SendTyping(roomID string, isTyping bool) error {
	return m.Send(protocol.TypingFrame{RoomID: roomID, IsTyping: isTyping})
}

// readPump consumes inbound frames until the socket fails. Frames are
// dispatched in arrival order; unparseable frames are logged and skipped
// without tearing down the connection.
func (m *Manager) readPump(gen int, c *websocket.Conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			m.handleReadError(gen, err)
			return
		}
		f, err := protocol.DecodeServerFrame(data)
		if err != nil {
			m.logger.Warn("skipping unparseable frame", zap.Error(err))
			continue
		}
		m.dispatch(f)
	}
}

func (m *Manager) dispatch(f protocol.ServerFrame) {
	now := time.Now()
	switch v := f.(type) {
	case *protocol.AckFrame:
		m.acks.resolve(v.MessageID, nil)
	case *protocol.RejectFrame:
		m.acks.resolve(v.MessageID, &RejectError{Reason: v.Reason})
	case *protocol.MessageFrame:
		m.bus.Publish(bus.Event{Kind: bus.KindFrameMessage, Timestamp: now, Payload: v})
	case *protocol.StatusFrame:
		m.bus.Publish(bus.Event{Kind: bus.KindFrameStatus, Timestamp: now, Payload: v})
	case *protocol.RoomUpdateFrame:
		m.bus.Publish(bus.Event{Kind: bus.KindFrameRoomUpdate, Timestamp: now, Payload: v})
	case *protocol.TypingEchoFrame:
		m.bus.Publish(bus.Event{Kind: bus.KindFrameTyping, Timestamp: now, Payload: v})
	case *protocol.ErrorFrame:
		m.logger.Warn("server error frame", zap.String("code", v.Code), zap.String("message", v.Message))
	}
}

func (m *Manager) handleReadError(gen int, err error) {
	m.mu.Lock()
	if gen != m.readGen {
		// A newer connection (or an explicit Disconnect) already replaced
		// this socket; nothing to clean up.
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	stopped := m.noReconnect
	m.mu.Unlock()

	m.acks.failAll(ErrNotConnected)
	if stopped {
		return
	}
	m.logger.Warn("connection lost", zap.Error(err))
	_ = m.machine.Transition(StateError)
	m.bus.Publish(bus.Event{Kind: bus.KindConnDisconnected, Timestamp: time.Now()})
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noReconnect || m.reconnectTimer != nil {
		return
	}
	d := m.reconnect.Duration()
	m.logger.Info("reconnect scheduled", zap.Duration("in", d))
	m.reconnectTimer = time.AfterFunc(d, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		_ = m.Connect(context.Background())
	})
}

// ackRegistry correlates send_message frames with their ack/reject replies.
type ackRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan error
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{waiters: make(map[string]chan error)}
}

func (r *ackRegistry) register(id string) chan error {
	ch := make(chan error, 1)
	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *ackRegistry) unregister(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

func (r *ackRegistry) resolve(id string, err error) {
	r.mu.Lock()
	ch, ok := r.waiters[id]
	r.mu.Unlock()
	if ok {
		select {
		case ch <- err:
		default:
		}
	}
}

func (r *ackRegistry) failAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.waiters {
		select {
		case ch <- err:
		default:
		}
	}
}
