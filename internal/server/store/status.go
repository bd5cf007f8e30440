package store

import (
	"database/sql"
	"time"

	"github.com/kazerdira/chatty/internal/protocol"
)

// UpsertMessageStatus records a recipient's status for a message. The row is
// keyed (message_id, user_id) so repeated receipts are idempotent, and a
// status never moves backwards: delivered cannot overwrite read. Unknown
// statuses rank lowest so they can never displace a real one. Returns
// whether the stored status actually advanced.
func (db *DB) UpsertMessageStatus(messageID, userID string, status protocol.MessageStatus) (advanced bool, err error) {
	res, err := db.Exec(`
		INSERT INTO message_status (message_id, user_id, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
		WHERE (CASE excluded.status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END) >
		      (CASE message_status.status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)`,
		messageID, userID, status, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMessageStatus returns one recipient's status row, or nil if absent.
func (db *DB) GetMessageStatus(messageID, userID string) (*StatusRow, error) {
	var r StatusRow
	err := db.QueryRow(`
		SELECT message_id, user_id, status, updated_at
		FROM message_status WHERE message_id = ? AND user_id = ?`, messageID, userID).
		Scan(&r.MessageID, &r.UserID, &r.Status, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListMessageStatuses returns all per-recipient rows for a message.
func (db *DB) ListMessageStatuses(messageID string) ([]StatusRow, error) {
	rows, err := db.Query(`
		SELECT message_id, user_id, status, updated_at
		FROM message_status WHERE message_id = ? ORDER BY user_id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StatusRow
	for rows.Next() {
		var r StatusRow
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Status, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
