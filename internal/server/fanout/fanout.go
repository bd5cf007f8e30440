// Package fanout routes committed events to the live sessions of the users
// they concern. Delivery is best effort; offline users catch up from
// history on their next connect.
package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/kazerdira/chatty/internal/protocol"
	"github.com/kazerdira/chatty/internal/server/registry"
	"github.com/kazerdira/chatty/internal/server/store"
	"go.uber.org/zap"
)

// Coordinator fans committed state out to room members.
type Coordinator struct {
	db       *store.DB
	registry *registry.Registry
	logger   *zap.Logger
}

// New creates a fanout coordinator.
func New(db *store.DB, reg *registry.Registry, logger *zap.Logger) *Coordinator {
	return &Coordinator{db: db, registry: reg, logger: logger}
}

// BroadcastMessage delivers a committed message to every room member except
// the sender, each with their own room bookkeeping frame. Fanout runs only
// after the transaction committed, so every frame it emits is also
// reachable through history.
func (c *Coordinator) BroadcastMessage(view *store.MessageView) error {
	members, err := c.db.ListMembers(view.RoomID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	room, err := c.db.GetRoom(view.RoomID)
	if err != nil {
		return fmt.Errorf("load room: %w", err)
	}
	if room == nil {
		return fmt.Errorf("room %s vanished", view.RoomID)
	}

	msgFrame := &protocol.MessageFrame{Message: wireMessage(view)}
	preview := previewOf(view)

	for _, m := range members {
		if m.UserID == view.SenderID {
			continue
		}
		sessions := c.registry.Sessions(m.UserID)
		if len(sessions) == 0 {
			continue
		}
		roomFrame := &protocol.RoomUpdateFrame{
			RoomID:      view.RoomID,
			UpdatedAt:   room.UpdatedAt,
			UnreadCount: m.UnreadCount,
			Preview:     preview,
		}
		for _, s := range sessions {
			s.Send(msgFrame)
			s.Send(roomFrame)
		}
	}
	return nil
}

// RouteReceipt forwards a recipient's status change to the message sender's
// sessions.
func (c *Coordinator) RouteReceipt(senderID string, f *protocol.StatusFrame) {
	for _, s := range c.registry.Sessions(senderID) {
		s.Send(f)
	}
}

// BroadcastTyping relays a typing indicator to the other room members.
// Typing is ephemeral and never persisted.
func (c *Coordinator) BroadcastTyping(roomID, userID string, isTyping bool) error {
	members, err := c.db.ListMembers(roomID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	f := &protocol.TypingEchoFrame{RoomID: roomID, UserID: userID, IsTyping: isTyping}
	for _, m := range members {
		if m.UserID == userID {
			continue
		}
		for _, s := range c.registry.Sessions(m.UserID) {
			s.Send(f)
		}
	}
	return nil
}

func wireMessage(v *store.MessageView) protocol.Message {
	return protocol.Message{
		ID:         v.ID,
		RoomID:     v.RoomID,
		SenderID:   v.SenderID,
		SenderName: v.SenderName,
		Content:    json.RawMessage(v.ContentData),
		Timestamp:  v.Timestamp,
		Status:     v.Status,
		EditedAt:   v.EditedAt,
		ReplyTo:    v.ReplyTo,
	}
}

func previewOf(v *store.MessageView) string {
	content, err := protocol.DecodeContent(json.RawMessage(v.ContentData))
	if err != nil {
		return ""
	}
	return protocol.Preview(content, 100)
}
