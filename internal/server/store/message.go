package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kazerdira/chatty/internal/protocol"
)

// CreateMessage persists a message atomically: the message row, the sender's
// own status row, the room's recency bump and one unread increment per other
// member all land in a single transaction. The message id is client
// generated; a duplicate id leaves the database untouched and returns
// created=false so retries of the same send stay idempotent.
func (db *DB) CreateMessage(m *Message) (created bool, err error) {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO messages (id, room_id, sender_id, content_type, content_data, reply_to, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.RoomID, m.SenderID, m.ContentType, m.ContentData, m.ReplyTo, m.Timestamp, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Duplicate send. Nothing to do; the caller re-acks.
		return false, nil
	}

	if _, err := tx.Exec(`
		INSERT INTO message_status (message_id, user_id, status, updated_at)
		VALUES (?, ?, ?, ?)`,
		m.ID, m.SenderID, protocol.StatusSent, now); err != nil {
		return false, fmt.Errorf("insert sender status: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE rooms SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		m.Timestamp, m.RoomID); err != nil {
		return false, fmt.Errorf("bump room: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE room_members SET unread_count = unread_count + 1
		WHERE room_id = ? AND user_id != ?`,
		m.RoomID, m.SenderID); err != nil {
		return false, fmt.Errorf("increment unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

const viewColumns = `
	m.id, m.room_id, m.sender_id, m.content_type, m.content_data, m.reply_to,
	m.timestamp, m.edited_at, m.deleted_at, m.created_at,
	COALESCE(u.name, ''),
	COALESCE(s.status, 'sent')`

// GetMessageView reads one message back with sender name and the sender's
// status row. Used after CreateMessage commits so the broadcast carries
// exactly the committed state.
func (db *DB) GetMessageView(id string) (*MessageView, error) {
	row := db.QueryRow(`
		SELECT `+viewColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		LEFT JOIN message_status s ON s.message_id = m.id AND s.user_id = m.sender_id
		WHERE m.id = ?`, id)
	v, err := scanView(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// ListMessages returns a room's messages in timestamp order, skipping
// deleted ones.
func (db *DB) ListMessages(roomID string, limit, offset int) ([]MessageView, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+viewColumns+`
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		LEFT JOIN message_status s ON s.message_id = m.id AND s.user_id = m.sender_id
		WHERE m.room_id = ? AND m.deleted_at = 0
		ORDER BY m.timestamp ASC
		LIMIT ? OFFSET ?`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var views []MessageView
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, rows.Err()
}

// EditMessage replaces a message's content. Only the sender may edit.
func (db *DB) EditMessage(id, senderID, contentType, contentData string) error {
	res, err := db.Exec(`
		UPDATE messages SET content_type = ?, content_data = ?, edited_at = ?
		WHERE id = ? AND sender_id = ? AND deleted_at = 0`,
		contentType, contentData, time.Now().UnixMilli(), id, senderID)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// DeleteMessage soft-deletes a message. Only the sender may delete.
func (db *DB) DeleteMessage(id, senderID string) error {
	res, err := db.Exec(`
		UPDATE messages SET deleted_at = ?
		WHERE id = ? AND sender_id = ? AND deleted_at = 0`,
		time.Now().UnixMilli(), id, senderID)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// GetMessage returns the raw message row, or nil if unknown.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, room_id, sender_id, content_type, content_data, reply_to, timestamp, edited_at, deleted_at, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.RoomID, &m.SenderID, &m.ContentType, &m.ContentData, &m.ReplyTo,
			&m.Timestamp, &m.EditedAt, &m.DeletedAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanView(s scanner) (*MessageView, error) {
	var v MessageView
	err := s.Scan(&v.ID, &v.RoomID, &v.SenderID, &v.ContentType, &v.ContentData, &v.ReplyTo,
		&v.Timestamp, &v.EditedAt, &v.DeletedAt, &v.CreatedAt, &v.SenderName, &v.Status)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s: no matching row", id)
	}
	return nil
}
