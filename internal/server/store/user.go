package store

import (
	"database/sql"
	"time"
)

// UpsertUser inserts or updates a user account.
func (db *DB) UpsertUser(u *User) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO users (id, name, token, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
			token = CASE WHEN excluded.token != '' THEN excluded.token ELSE users.token END`,
		u.ID, u.Name, u.Token, u.CreatedAt)
	return err
}

// GetUser returns a user by id, or nil if unknown.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, name, token, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Token, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Authenticate returns the user when the token matches, nil otherwise.
func (db *DB) Authenticate(id, token string) (*User, error) {
	u, err := db.GetUser(id)
	if err != nil {
		return nil, err
	}
	if u == nil || u.Token == "" || u.Token != token {
		return nil, nil
	}
	return u, nil
}
