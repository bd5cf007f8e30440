package store

import (
	"database/sql"
	"time"
)

// UpsertRoom inserts or updates a room record. last_message_at only moves
// forward so out-of-order ingestion cannot rewind the room list.
func (db *DB) UpsertRoom(r *Room) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (id, name, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE rooms.name END,
			unread_count = excluded.unread_count,
			last_message_at = MAX(rooms.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= rooms.last_message_at THEN excluded.last_message_preview ELSE rooms.last_message_preview END,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.UnreadCount, r.LastMessageAt, r.LastMessagePreview, now)
	return err
}

// TouchRoom bumps a room's recency without changing its unread count.
// Creates the room row if it does not exist yet.
func (db *DB) TouchRoom(roomID string, lastMessageAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(rooms.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= rooms.last_message_at THEN excluded.last_message_preview ELSE rooms.last_message_preview END,
			updated_at = excluded.updated_at`,
		roomID, lastMessageAt, preview, now)
	return err
}

// SetRoomUnread overwrites a room's unread counter with the server's
// authoritative value.
func (db *DB) SetRoomUnread(roomID string, unread int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (id, unread_count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		roomID, unread, now)
	return err
}

// ListRooms returns rooms sorted by last message timestamp descending.
func (db *DB) ListRooms(limit, offset int) ([]Room, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, name, unread_count, last_message_at, last_message_preview, updated_at
		FROM rooms
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.UnreadCount, &r.LastMessageAt, &r.LastMessagePreview, &r.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// GetRoom returns a single room by id, or nil if unknown.
func (db *DB) GetRoom(id string) (*Room, error) {
	var r Room
	err := db.QueryRow(`
		SELECT id, name, unread_count, last_message_at, last_message_preview, updated_at
		FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.UnreadCount, &r.LastMessageAt, &r.LastMessagePreview, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
