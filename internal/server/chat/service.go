// Package chat implements the server's message semantics on top of the
// store: validated persist with dedup, status receipt handling and room
// bookkeeping.
package chat

import (
	"fmt"
	"time"

	"github.com/kazerdira/chatty/internal/protocol"
	"github.com/kazerdira/chatty/internal/server/store"
	"go.uber.org/zap"
)

// Rejection reasons sent back in reject frames.
const (
	ReasonUnknownRoom    = "unknown_room"
	ReasonNotAMember     = "not_a_member"
	ReasonInvalidContent = "invalid_content"
)

// RejectedError carries the reason a send was refused. The sender gets a
// reject frame, not a connection teardown.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("message rejected: %s", e.Reason)
}

// Service owns message persistence and validation.
type Service struct {
	db     *store.DB
	logger *zap.Logger
}

// NewService creates the chat service.
func NewService(db *store.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// SendMessage validates and persists an inbound message. Persistence is
// atomic: the message, the sender's status row, the room recency bump and
// the recipients' unread increments commit together. A duplicate client id
// is not an error; the already-committed view is returned with
// duplicate=true so the caller can re-ack without re-broadcasting.
func (s *Service) SendMessage(senderID string, f *protocol.SendMessageFrame) (*store.MessageView, bool, error) {
	room, err := s.db.GetRoom(f.RoomID)
	if err != nil {
		return nil, false, fmt.Errorf("load room: %w", err)
	}
	if room == nil {
		return nil, false, &RejectedError{Reason: ReasonUnknownRoom}
	}
	member, err := s.db.IsMember(f.RoomID, senderID)
	if err != nil {
		return nil, false, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return nil, false, &RejectedError{Reason: ReasonNotAMember}
	}

	content, err := protocol.DecodeContent(f.Content)
	if err != nil {
		return nil, false, &RejectedError{Reason: ReasonInvalidContent}
	}
	if err := protocol.ValidateContent(content); err != nil {
		return nil, false, &RejectedError{Reason: ReasonInvalidContent}
	}

	created, err := s.db.CreateMessage(&store.Message{
		ID:          f.MessageID,
		RoomID:      f.RoomID,
		SenderID:    senderID,
		ContentType: string(content.ContentType()),
		ContentData: string(f.Content),
		ReplyTo:     f.ReplyTo,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("persist message: %w", err)
	}

	// Read back the committed row so the broadcast carries exactly what a
	// later history fetch would return.
	view, err := s.db.GetMessageView(f.MessageID)
	if err != nil {
		return nil, false, fmt.Errorf("read back message: %w", err)
	}
	if view == nil {
		return nil, false, fmt.Errorf("message %s missing after commit", f.MessageID)
	}
	if !created {
		s.logger.Debug("duplicate send", zap.String("msg_id", f.MessageID), zap.String("sender", senderID))
	}
	return view, !created, nil
}

// UpdateStatus records a recipient's delivered/read receipt. Returns the
// message's sender and whether the stored status advanced; regressions and
// duplicates report advanced=false and are simply not forwarded.
func (s *Service) UpdateStatus(userID string, f *protocol.StatusUpdateFrame) (senderID string, advanced bool, err error) {
	msg, err := s.db.GetMessage(f.MessageID)
	if err != nil {
		return "", false, fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		// Receipt for a message this server never saw. Drop it.
		return "", false, nil
	}
	// Recipients may only report statuses past sent: delivered or read.
	if protocol.StatusRank(f.Status) <= protocol.StatusRank(protocol.StatusSent) {
		return "", false, nil
	}

	advanced, err = s.db.UpsertMessageStatus(f.MessageID, userID, f.Status)
	if err != nil {
		return "", false, fmt.Errorf("upsert status: %w", err)
	}
	if advanced && f.Status == protocol.StatusRead {
		if err := s.db.ResetUnread(msg.RoomID, userID); err != nil {
			s.logger.Warn("reset unread failed", zap.Error(err), zap.String("room", msg.RoomID))
		}
	}
	return msg.SenderID, advanced, nil
}

// JoinRoom creates the room on first use and records the membership.
func (s *Service) JoinRoom(roomID, userID string) error {
	if err := s.db.CreateRoom(&store.Room{ID: roomID}); err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	if err := s.db.AddMember(roomID, userID); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// EditMessage replaces a message's content. Only the original sender may
// edit, and the new content must decode cleanly.
func (s *Service) EditMessage(messageID, userID string, content []byte) error {
	c, err := protocol.DecodeContent(content)
	if err != nil {
		return &RejectedError{Reason: ReasonInvalidContent}
	}
	if err := protocol.ValidateContent(c); err != nil {
		return &RejectedError{Reason: ReasonInvalidContent}
	}
	return s.db.EditMessage(messageID, userID, string(c.ContentType()), string(content))
}

// DeleteMessage soft-deletes a message for its sender.
func (s *Service) DeleteMessage(messageID, userID string) error {
	return s.db.DeleteMessage(messageID, userID)
}

// History returns a room's messages for a joined member.
func (s *Service) History(roomID, userID string, limit, offset int) ([]store.MessageView, error) {
	member, err := s.db.IsMember(roomID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, &RejectedError{Reason: ReasonNotAMember}
	}
	return s.db.ListMessages(roomID, limit, offset)
}
