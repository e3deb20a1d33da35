package store

import "golang.org/x/crypto/bcrypt"

// Presence is the externally visible online state of a user.
type Presence string

const (
	Online  Presence = "online"
	Offline Presence = "offline"
)

// Role is a member's role inside a group.
type Role string

const (
	Creator Role = "creator"
	Normal  Role = "normal"
)

// User is a registered account.
type User struct {
	ID           int64
	Name         string
	PasswordHash string
	State        Presence
	Node         string // node that last marked the user online
}

// PasswordMatches reports whether password matches the stored bcrypt hash.
func (u *User) PasswordMatches(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// Group is a chat group with its roster.
type Group struct {
	ID      int64
	Name    string
	Desc    string
	Members []Member
}

// Member is a user's membership in a group.
type Member struct {
	UserID int64
	Name   string
	State  Presence
	Role   Role
}
