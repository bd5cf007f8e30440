// Package registry tracks live WebSocket sessions per user so the fanout
// layer can route frames without touching connection internals.
package registry

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/kazerdira/chatty/internal/protocol"
	"go.uber.org/zap"
)

// sendBuffer bounds the per-session outbound queue. A session that cannot
// drain it is closed; the client reconnects and recovers from history.
const sendBuffer = 64

// Session is one authenticated WebSocket connection. All writes go through
// the send channel and a single write pump, so concurrent fanout never
// interleaves frames on the socket.
type Session struct {
	UserID string

	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an upgraded connection and starts its write pump.
func NewSession(userID string, conn *websocket.Conn, logger *zap.Logger) *Session {
	s := &Session{
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.writePump()
	return s
}

// Send queues an encoded frame for delivery. Returns false when the session
// is closed or its buffer is full.
func (s *Session) Send(f protocol.ServerFrame) bool {
	data, err := protocol.EncodeServerFrame(f)
	if err != nil {
		s.logger.Error("encode frame", zap.Error(err))
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		s.logger.Warn("session send buffer full, closing", zap.String("user", s.UserID))
		s.Close()
		return false
	}
}

// Close shuts the session down. Safe to call from any goroutine, any number
// of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Conn exposes the underlying connection for the owning read loop. Reads
// are single-goroutine; writes must still go through Send.
func (s *Session) Conn() *websocket.Conn {
	return s.conn
}

func (s *Session) writePump() {
	for {
		select {
		case data := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed", zap.String("user", s.UserID), zap.Error(err))
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Registry maps user ids to their live sessions. A user may hold several
// concurrent sessions (multiple devices); each gets every frame.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	logger   *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]map[*Session]struct{}),
		logger:   logger,
	}
}

// Add registers a session under its user id.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[s.UserID]
	if !ok {
		set = make(map[*Session]struct{})
		r.sessions[s.UserID] = set
	}
	set[s] = struct{}{}
	r.logger.Info("session registered", zap.String("user", s.UserID), zap.Int("sessions", len(set)))
}

// Remove unregisters a session. Removing an unknown session is a no-op.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[s.UserID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, s.UserID)
	}
	r.logger.Info("session unregistered", zap.String("user", s.UserID), zap.Int("sessions", len(set)))
}

// Sessions returns a snapshot of a user's live sessions.
func (r *Registry) Sessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[userID]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Online reports whether the user has at least one live session.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}

// Count returns the total number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.sessions {
		n += len(set)
	}
	return n
}
