package store

import "time"

// CreateGroup inserts a group and returns its id. Membership is added separately.
func (db *DB) CreateGroup(name, desc string) (int64, error) {
	res, err := db.Exec(`INSERT INTO chat_groups (name, description, created_at) VALUES (?, ?, ?)`,
		name, desc, time.Now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateName
		}
		return 0, err
	}
	return res.LastInsertId()
}

// AddMembership adds userID to groupID with role. Joining twice keeps the first role.
func (db *DB) AddMembership(userID, groupID int64, role Role) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO group_members (group_id, user_id, role) VALUES (?, ?, ?)`,
		groupID, userID, role)
	return err
}

// ListGroupsForUser returns every group userID belongs to, each with its full roster.
func (db *DB) ListGroupsForUser(userID int64) ([]Group, error) {
	rows, err := db.Query(`
		SELECT g.id, g.name, g.description
		FROM chat_groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = ?
		ORDER BY g.id`, userID)
	if err != nil {
		return nil, err
	}
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Desc); err != nil {
			_ = rows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range groups {
		members, err := db.listMembers(groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Members = members
	}
	return groups, nil
}

func (db *DB) listMembers(groupID int64) ([]Member, error) {
	rows, err := db.Query(`
		SELECT u.id, u.name, u.state, m.role
		FROM group_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.group_id = ?
		ORDER BY u.id`, groupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Name, &m.State, &m.Role); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListMemberIDs returns the ids of groupID's members other than excludeUserID.
func (db *DB) ListMemberIDs(groupID, excludeUserID int64) ([]int64, error) {
	rows, err := db.Query(`
		SELECT user_id FROM group_members
		WHERE group_id = ? AND user_id != ?
		ORDER BY user_id`, groupID, excludeUserID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
