// Package ws terminates client WebSocket connections: upgrade, first-frame
// authentication, then the per-connection read loop.
package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kazerdira/chatty/internal/protocol"
	"github.com/kazerdira/chatty/internal/server/chat"
	"github.com/kazerdira/chatty/internal/server/fanout"
	"github.com/kazerdira/chatty/internal/server/registry"
	"github.com/kazerdira/chatty/internal/server/store"
	"go.uber.org/zap"
)

// authTimeout bounds how long a fresh connection may stall before sending
// its authenticate frame.
const authTimeout = 5 * time.Second

// Handler upgrades HTTP requests and runs the connection protocol.
type Handler struct {
	db       *store.DB
	svc      *chat.Service
	registry *registry.Registry
	fanout   *fanout.Coordinator
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(db *store.DB, svc *chat.Service, reg *registry.Registry, fo *fanout.Coordinator, logger *zap.Logger) *Handler {
	return &Handler{
		db:       db,
		svc:      svc,
		registry: reg,
		fanout:   fo,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the connection and serves it until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	user, err := h.authenticate(conn)
	if err != nil {
		h.logger.Info("authentication failed", zap.Error(err))
		data, _ := protocol.EncodeServerFrame(&protocol.ErrorFrame{Code: "auth_failed", Message: "authentication failed"})
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.Close()
		return
	}

	sess := registry.NewSession(user.ID, conn, h.logger)
	h.registry.Add(sess)
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("connection handler panic", zap.Any("panic", rec), zap.String("user", user.ID))
		}
		h.registry.Remove(sess)
		sess.Close()
	}()

	h.readLoop(sess)
}

// authenticate waits for the first frame, which must be authenticate, and
// verifies the credentials against the store.
func (h *Handler) authenticate(conn *websocket.Conn) (*store.User, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	f, err := protocol.DecodeClientFrame(data)
	if err != nil {
		return nil, err
	}
	auth, ok := f.(*protocol.AuthenticateFrame)
	if !ok {
		return nil, errors.New("first frame is not authenticate")
	}
	user, err := h.db.Authenticate(auth.UserID, auth.Token)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.New("invalid credentials")
	}
	return user, nil
}

func (h *Handler) readLoop(sess *registry.Session) {
	conn := sess.Conn()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("read loop ended", zap.String("user", sess.UserID), zap.Error(err))
			return
		}
		f, err := protocol.DecodeClientFrame(data)
		if err != nil {
			// One bad frame does not cost the connection.
			h.logger.Warn("unparseable frame", zap.String("user", sess.UserID), zap.Error(err))
			sess.Send(&protocol.ErrorFrame{Code: "bad_frame", Message: err.Error()})
			continue
		}
		h.handleFrame(sess, f)
	}
}

func (h *Handler) handleFrame(sess *registry.Session, f protocol.ClientFrame) {
	switch v := f.(type) {
	case *protocol.SendMessageFrame:
		h.handleSend(sess, v)
	case *protocol.StatusUpdateFrame:
		h.handleStatus(sess, v)
	case *protocol.JoinRoomFrame:
		if err := h.svc.JoinRoom(v.RoomID, sess.UserID); err != nil {
			h.logger.Error("join room failed", zap.Error(err), zap.String("room", v.RoomID))
			sess.Send(&protocol.ErrorFrame{Code: "join_failed", Message: "could not join room"})
		}
	case *protocol.TypingFrame:
		if err := h.fanout.BroadcastTyping(v.RoomID, sess.UserID, v.IsTyping); err != nil {
			h.logger.Warn("typing broadcast failed", zap.Error(err))
		}
	case *protocol.AuthenticateFrame:
		// Already authenticated; ignore.
	default:
		h.logger.Warn("unhandled frame", zap.String("user", sess.UserID))
	}
}

// handleSend persists the message, acks the sender, then fans out. The ack
// is written only after the commit so a crash between the two leaves the
// client retrying, never the other way round.
func (h *Handler) handleSend(sess *registry.Session, f *protocol.SendMessageFrame) {
	view, duplicate, err := h.svc.SendMessage(sess.UserID, f)
	if err != nil {
		var rej *chat.RejectedError
		if errors.As(err, &rej) {
			sess.Send(&protocol.RejectFrame{MessageID: f.MessageID, Reason: rej.Reason})
			return
		}
		h.logger.Error("send failed", zap.Error(err), zap.String("msg_id", f.MessageID))
		sess.Send(&protocol.ErrorFrame{Code: "internal", Message: "message not persisted"})
		return
	}

	sess.Send(&protocol.AckFrame{MessageID: view.ID, Timestamp: view.Timestamp})

	// Duplicates were already broadcast on first receipt.
	if duplicate {
		return
	}
	if err := h.fanout.BroadcastMessage(view); err != nil {
		h.logger.Error("broadcast failed", zap.Error(err), zap.String("msg_id", view.ID))
	}
}

func (h *Handler) handleStatus(sess *registry.Session, f *protocol.StatusUpdateFrame) {
	senderID, advanced, err := h.svc.UpdateStatus(sess.UserID, f)
	if err != nil {
		h.logger.Error("status update failed", zap.Error(err), zap.String("msg_id", f.MessageID))
		return
	}
	if !advanced {
		return
	}
	h.fanout.RouteReceipt(senderID, &protocol.StatusFrame{
		MessageID: f.MessageID,
		UserID:    sess.UserID,
		Status:    f.Status,
	})
}
