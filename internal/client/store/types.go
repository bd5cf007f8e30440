package store

import "github.com/kazerdira/chatty/internal/protocol"

// OutboxEntry is one row of the durable send queue. A row exists iff the
// message has not been acknowledged by the server.
type OutboxEntry struct {
	ID          string
	RoomID      string
	SenderID    string
	ContentType string
	ContentData string
	Timestamp   int64
	Status      protocol.OutboxStatus
	RetryCount  int
	LastRetryAt int64 // unix millis; 0 = never attempted
	CreatedAt   int64
}

// Message is a locally materialized message (own messages post-optimistic
// insert, peer messages ingested from broadcasts).
type Message struct {
	ID          int64
	RoomID      string
	MsgID       string
	SenderID    string
	SenderName  string
	ContentType string
	ContentData string
	FromMe      bool
	Status      protocol.MessageStatus
	Timestamp   int64
}

// Room is the local view of a room's bookkeeping.
type Room struct {
	ID                 string
	Name               string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	UpdatedAt          int64
}

// OutboxStats holds per-status row counts for the outbox.
type OutboxStats struct {
	Pending   int
	Sending   int
	Failed    int
	Abandoned int
}

// Total returns the number of rows across all statuses.
func (s OutboxStats) Total() int {
	return s.Pending + s.Sending + s.Failed + s.Abandoned
}
