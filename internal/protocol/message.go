package protocol

import "encoding/json"

// MessageStatus is the lifecycle of a message as seen by participants.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// StatusRank orders receipt statuses so that a receipt never regresses a
// message: sent < delivered < read. Statuses outside the receipt chain rank
// zero.
func StatusRank(s MessageStatus) int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// OutboxStatus is the lifecycle of a not-yet-confirmed outgoing message in
// the client's durable send queue.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxSending   OutboxStatus = "sending"
	OutboxFailed    OutboxStatus = "failed"
	OutboxAbandoned OutboxStatus = "abandoned"
)

// Message is the canonical wire representation of a persisted message.
// Content holds the tagged content object (see DecodeContent).
type Message struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"roomId"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName,omitempty"`
	Content    json.RawMessage `json:"content"`
	Timestamp  int64           `json:"timestamp"`
	Status     MessageStatus   `json:"status"`
	EditedAt   int64           `json:"editedAt,omitempty"`
	ReplyTo    string          `json:"replyTo,omitempty"`
}
