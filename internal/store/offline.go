package store

import (
	"fmt"
	"time"
)

// AppendOffline queues an encoded envelope for userID until their next login.
func (db *DB) AppendOffline(userID int64, payload []byte) error {
	_, err := db.Exec(`INSERT INTO offline_messages (user_id, payload, created_at) VALUES (?, ?, ?)`,
		userID, string(payload), time.Now().UnixMilli())
	return err
}

// DrainOffline returns userID's queued envelopes in arrival order and deletes
// exactly those rows in the same transaction. Messages appended concurrently
// stay queued for the next drain.
func (db *DB) DrainOffline(userID int64) ([][]byte, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id, payload FROM offline_messages WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("select offline: %w", err)
	}
	var (
		payloads [][]byte
		lastID   int64
	)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&lastID, &payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan offline: %w", err)
		}
		payloads = append(payloads, []byte(payload))
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(payloads) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec(`DELETE FROM offline_messages WHERE user_id = ? AND id <= ?`, userID, lastID); err != nil {
		return nil, fmt.Errorf("delete offline: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain: %w", err)
	}
	return payloads, nil
}

// CountOffline returns how many envelopes are queued for userID.
func (db *DB) CountOffline(userID int64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM offline_messages WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}
