package store

import (
	"database/sql"
	"time"
)

// CreateRoom inserts a room if it does not exist yet.
func (db *DB) CreateRoom(r *Room) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO rooms (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE rooms.name END`,
		r.ID, r.Name, r.CreatedAt, r.UpdatedAt)
	return err
}

// GetRoom returns a room by id, or nil if unknown.
func (db *DB) GetRoom(id string) (*Room, error) {
	var r Room
	err := db.QueryRow(`SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// AddMember adds a user to a room. Re-adding is a no-op that preserves the
// unread counter.
func (db *DB) AddMember(roomID, userID string) error {
	_, err := db.Exec(`
		INSERT INTO room_members (room_id, user_id, unread_count, joined_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(room_id, user_id) DO NOTHING`,
		roomID, userID, time.Now().UnixMilli())
	return err
}

// IsMember reports whether the user belongs to the room.
func (db *DB) IsMember(roomID, userID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListMembers returns all memberships of a room.
func (db *DB) ListMembers(roomID string) ([]Member, error) {
	rows, err := db.Query(`
		SELECT room_id, user_id, unread_count, joined_at
		FROM room_members WHERE room_id = ? ORDER BY joined_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.UnreadCount, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetMember returns one membership row, or nil if the user is not a member.
func (db *DB) GetMember(roomID, userID string) (*Member, error) {
	var m Member
	err := db.QueryRow(`
		SELECT room_id, user_id, unread_count, joined_at
		FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID).
		Scan(&m.RoomID, &m.UserID, &m.UnreadCount, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ResetUnread zeroes a member's unread counter.
func (db *DB) ResetUnread(roomID, userID string) error {
	_, err := db.Exec(`
		UPDATE room_members SET unread_count = 0
		WHERE room_id = ? AND user_id = ?`, roomID, userID)
	return err
}
