package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kazerdira/chatty/internal/protocol"
)

// InsertOutbox durably records a message awaiting delivery. The id is
// client-generated, globally unique and immutable; it becomes the canonical
// message id once the server persists the message.
func (db *DB) InsertOutbox(e *OutboxEntry) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	if e.Status == "" {
		e.Status = protocol.OutboxPending
	}
	_, err := db.Exec(`
		INSERT INTO outbox (id, room_id, sender_id, content_type, content_data, timestamp, status, retry_count, last_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RoomID, e.SenderID, e.ContentType, e.ContentData, e.Timestamp,
		e.Status, e.RetryCount, nullableMillis(e.LastRetryAt), e.CreatedAt)
	return err
}

// GetOutbox returns a single outbox entry, or nil if absent.
func (db *DB) GetOutbox(id string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, room_id, sender_id, content_type, content_data, timestamp, status, retry_count, last_retry_at, created_at
		FROM outbox WHERE id = ?`, id)
	e, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListPending returns entries eligible for dispatcher consideration
// (pending or failed), oldest first.
func (db *DB) ListPending() ([]OutboxEntry, error) {
	return db.listOutbox(`
		SELECT id, room_id, sender_id, content_type, content_data, timestamp, status, retry_count, last_retry_at, created_at
		FROM outbox WHERE status IN (?, ?) ORDER BY created_at ASC`,
		protocol.OutboxPending, protocol.OutboxFailed)
}

// ListOutboxByRoom returns all outbox entries for a room, oldest first.
func (db *DB) ListOutboxByRoom(roomID string) ([]OutboxEntry, error) {
	return db.listOutbox(`
		SELECT id, room_id, sender_id, content_type, content_data, timestamp, status, retry_count, last_retry_at, created_at
		FROM outbox WHERE room_id = ? ORDER BY created_at ASC`, roomID)
}

// UpdateOutboxStatus mutates an entry's status in place.
func (db *DB) UpdateOutboxStatus(id string, status protocol.OutboxStatus) error {
	res, err := db.Exec(`UPDATE outbox SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// IncrementOutboxRetry records a failed attempt: bumps the retry counter,
// stamps last_retry_at and moves the entry to the given status (failed, or
// abandoned when the ceiling is reached).
func (db *DB) IncrementOutboxRetry(id string, newCount int, at time.Time, status protocol.OutboxStatus) error {
	res, err := db.Exec(`
		UPDATE outbox SET retry_count = ?, last_retry_at = ?, status = ? WHERE id = ?`,
		newCount, at.UnixMilli(), status, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// MarkSentAndRemove deletes an acknowledged entry. This is the only state
// transition that removes a row: deletion happens exactly when the server
// ack arrives, in one statement, so there is no window where a message is
// both queued and confirmed.
func (db *DB) MarkSentAndRemove(id string) error {
	res, err := db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// DeleteOutbox removes an entry without an ack. Reserved for the explicit
// user discard of an abandoned message.
func (db *DB) DeleteOutbox(id string) error {
	res, err := db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// ResetStuckSending returns rows left in 'sending' by a crashed dispatcher
// to 'pending'. Called once on startup before the loop begins.
func (db *DB) ResetStuckSending() (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET status = ? WHERE status = ?`,
		protocol.OutboxPending, protocol.OutboxSending)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OutboxStatistics returns per-status row counts.
func (db *DB) OutboxStatistics() (*OutboxStats, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats OutboxStats
	for rows.Next() {
		var status protocol.OutboxStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case protocol.OutboxPending:
			stats.Pending = n
		case protocol.OutboxSending:
			stats.Sending = n
		case protocol.OutboxFailed:
			stats.Failed = n
		case protocol.OutboxAbandoned:
			stats.Abandoned = n
		}
	}
	return &stats, rows.Err()
}

func (db *DB) listOutbox(query string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutbox(r rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var lastRetry sql.NullInt64
	if err := r.Scan(&e.ID, &e.RoomID, &e.SenderID, &e.ContentType, &e.ContentData,
		&e.Timestamp, &e.Status, &e.RetryCount, &lastRetry, &e.CreatedAt); err != nil {
		return nil, err
	}
	if lastRetry.Valid {
		e.LastRetryAt = lastRetry.Int64
	}
	return &e, nil
}

func nullableMillis(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("outbox entry %s not found", id)
	}
	return nil
}
