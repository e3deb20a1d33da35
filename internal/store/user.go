package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// InsertUser registers a new account and returns its id. The password is stored
// as a bcrypt hash. Returns ErrDuplicateName if the name is taken.
func (db *DB) InsertUser(name, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), db.HashCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO users (name, password, state, created_at, updated_at)
		VALUES (?, ?, 'offline', ?, ?)`, name, string(hash), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateName
		}
		return 0, err
	}
	return res.LastInsertId()
}

// FindUserByID returns the user with the given id, or nil if none exists.
func (db *DB) FindUserByID(id int64) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, name, password, state, node FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.PasswordHash, &u.State, &u.Node)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// MarkOnline flips a user from offline to online on behalf of node. It reports
// false without error when the user is already online (or does not exist), so
// two nodes racing the same login cannot both win.
func (db *DB) MarkOnline(id int64, node string) (bool, error) {
	res, err := db.Exec(`
		UPDATE users SET state = 'online', node = ?, updated_at = ?
		WHERE id = ? AND state = 'offline'`, node, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetPresence records the user's presence unconditionally. Setting offline is idempotent.
func (db *DB) SetPresence(id int64, state Presence, node string) error {
	if state == Offline {
		node = ""
	}
	_, err := db.Exec(`UPDATE users SET state = ?, node = ?, updated_at = ? WHERE id = ?`,
		state, node, time.Now().UnixMilli(), id)
	return err
}

// ResetAllToOffline marks every user online on node as offline and returns how
// many rows changed. An empty node resets every online user in the database.
func (db *DB) ResetAllToOffline(node string) (int64, error) {
	query := `UPDATE users SET state = 'offline', node = '', updated_at = ? WHERE state = 'online'`
	args := []any{time.Now().UnixMilli()}
	if node != "" {
		query += ` AND node = ?`
		args = append(args, node)
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
