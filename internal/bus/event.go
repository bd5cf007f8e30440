package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the client-side subsystems. Subscribers filter
// by namespace prefix, e.g. "outbox." receives every outbox event.
const (
	KindOutboxQueued    = "outbox.queued"
	KindOutboxSent      = "outbox.sent"
	KindOutboxFailed    = "outbox.failed"
	KindOutboxAbandoned = "outbox.abandoned"
	KindOutboxDiscarded = "outbox.discarded"

	KindConnStateChanged = "conn.state_changed"
	KindConnConnected    = "conn.connected"
	KindConnDisconnected = "conn.disconnected"

	KindFrameMessage    = "conn.frame.message"
	KindFrameStatus     = "conn.frame.status"
	KindFrameRoomUpdate = "conn.frame.room_update"
	KindFrameTyping     = "conn.frame.typing"

	KindMessageUpserted = "message.upserted"
	KindMessageStatus   = "message.status"
)
