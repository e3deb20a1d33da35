package envelope

import "encoding/json"

func errnoPtr(n Errno) *Errno { return &n }

// LoginFailed builds a LOGIN_ACK carrying an authentication error.
func LoginFailed(code Errno, msg string) *Envelope {
	return &Envelope{Kind: LoginAck, Errno: errnoPtr(code), ErrMsg: msg}
}

// LoginSucceeded builds a successful LOGIN_ACK. Empty slices are omitted on the wire.
func LoginSucceeded(id int64, name string, offline []json.RawMessage, friends []Contact, groups []Group) *Envelope {
	return &Envelope{
		Kind:       LoginAck,
		Errno:      errnoPtr(OK),
		ID:         id,
		Name:       name,
		OfflineMsg: offline,
		Friends:    friends,
		Groups:     groups,
	}
}

// RegisterResult builds a REG_ACK. id is only meaningful when code is OK.
func RegisterResult(code Errno, id int64) *Envelope {
	env := &Envelope{Kind: RegisterAck, Errno: errnoPtr(code)}
	if code == OK {
		env.ID = id
	}
	return env
}
