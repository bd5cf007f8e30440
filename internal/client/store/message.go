package store

import (
	"time"

	"github.com/kazerdira/chatty/internal/protocol"
)

// UpsertMessage inserts or updates a message (idempotent on room_id + msg_id).
// Broadcast retransmissions and optimistic-insert/ack races both land here,
// so the upsert must never duplicate a row.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (room_id, msg_id, sender_id, sender_name, content_type, content_data, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content_data = excluded.content_data,
			status = excluded.status`,
		m.RoomID, m.MsgID, m.SenderID, m.SenderName, m.ContentType, m.ContentData,
		m.FromMe, m.Status, m.Timestamp, now)
	return err
}

// SetMessageStatus updates only the status of a materialized message. A
// receipt for an unknown message is ignored.
func (db *DB) SetMessageStatus(roomID, msgID string, status protocol.MessageStatus) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE room_id = ? AND msg_id = ?`,
		status, roomID, msgID)
	return err
}

// SetMessageStatusByID updates the status of a message located by msg_id
// alone. Status frames carry no room id; msg_id is globally unique.
func (db *DB) SetMessageStatusByID(msgID string, status protocol.MessageStatus) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE msg_id = ?`, status, msgID)
	return err
}

// ListMessages returns messages for a room using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(roomID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, room_id, msg_id, sender_id, sender_name, content_type, content_data, from_me, status, timestamp
		FROM messages
		WHERE room_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, roomID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.MsgID, &m.SenderID, &m.SenderName,
			&m.ContentType, &m.ContentData, &m.FromMe, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListUnreadInbound returns inbound messages of a room not yet marked read
// locally, oldest first. Used to emit read receipts.
func (db *DB) ListUnreadInbound(roomID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, room_id, msg_id, sender_id, sender_name, content_type, content_data, from_me, status, timestamp
		FROM messages
		WHERE room_id = ? AND from_me = 0 AND status != ?
		ORDER BY timestamp ASC`, roomID, protocol.StatusRead)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.MsgID, &m.SenderID, &m.SenderName,
			&m.ContentType, &m.ContentData, &m.FromMe, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
