package store

// AddFriend stores the directed edge owner -> friend. Re-adding is a no-op.
func (db *DB) AddFriend(ownerID, friendID int64) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO friends (user_id, friend_id) VALUES (?, ?)`, ownerID, friendID)
	return err
}

// ListFriends returns the friends of id with their current presence.
func (db *DB) ListFriends(id int64) ([]User, error) {
	rows, err := db.Query(`
		SELECT u.id, u.name, u.state
		FROM friends f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY u.id`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var friends []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.State); err != nil {
			return nil, err
		}
		friends = append(friends, u)
	}
	return friends, rows.Err()
}
