package store

import "github.com/kazerdira/chatty/internal/protocol"

// User is a registered account.
type User struct {
	ID        string
	Name      string
	Token     string
	CreatedAt int64
}

// Room is a chat room.
type Room struct {
	ID        string
	Name      string
	CreatedAt int64
	UpdatedAt int64
}

// Member is one user's membership in a room with their unread counter.
type Member struct {
	RoomID      string
	UserID      string
	UnreadCount int
	JoinedAt    int64
}

// Message is a persisted message row. The id is client-generated so retries
// of the same send deduplicate on it.
type Message struct {
	ID          string
	RoomID      string
	SenderID    string
	ContentType string
	ContentData string
	ReplyTo     string
	Timestamp   int64
	EditedAt    int64
	DeletedAt   int64
	CreatedAt   int64
}

// MessageView is a message joined with its sender's display name and the
// sender's own status row, as broadcast to room participants.
type MessageView struct {
	Message
	SenderName string
	Status     protocol.MessageStatus
}

// StatusRow is one recipient's status for one message.
type StatusRow struct {
	MessageID string
	UserID    string
	Status    protocol.MessageStatus
	UpdatedAt int64
}
