package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the msgid discriminant carried by every envelope.
type Kind int

const (
	Login       Kind = 1
	LoginAck    Kind = 2
	Logout      Kind = 3
	Register    Kind = 4
	RegisterAck Kind = 5
	OneChat     Kind = 6
	AddFriend   Kind = 7
	CreateGroup Kind = 8
	AddGroup    Kind = 9
	GroupChat   Kind = 10
)

var kindNames = map[Kind]string{
	Login:       "LOGIN",
	LoginAck:    "LOGIN_ACK",
	Logout:      "LOGINOUT",
	Register:    "REG",
	RegisterAck: "REG_ACK",
	OneChat:     "ONE_CHAT",
	AddFriend:   "ADD_FRIEND",
	CreateGroup: "CREATE_GROUP",
	AddGroup:    "ADD_GROUP",
	GroupChat:   "GROUP_CHAT",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(k))
}

// Errno is the error code carried by acknowledgements.
type Errno int

const (
	OK Errno = 0

	// Login acknowledgement codes.
	UnknownID      Errno = 1
	BadPassword    Errno = 2
	DuplicateLogin Errno = 3

	// Internal reports a persistence failure on either acknowledgement.
	Internal Errno = 4

	// Registration acknowledgement codes.
	DuplicateName Errno = 1
)

// ErrMalformed is returned for payloads that cannot be decoded into a valid envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is a single wire message. Fields unused by a kind stay at their zero value
// and are omitted when encoded. Envelopes are not modified after construction.
type Envelope struct {
	Kind       Kind              `json:"msgid"`
	Errno      *Errno            `json:"errno,omitempty"`
	ErrMsg     string            `json:"errmsg,omitempty"`
	ID         int64             `json:"id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Password   string            `json:"password,omitempty"`
	To         int64             `json:"to,omitempty"`
	FriendID   int64             `json:"friendid,omitempty"`
	GroupID    int64             `json:"groupid,omitempty"`
	GroupName  string            `json:"groupname,omitempty"`
	GroupDesc  string            `json:"groupdesc,omitempty"`
	Msg        string            `json:"msg,omitempty"`
	Time       string            `json:"time,omitempty"`
	OfflineMsg []json.RawMessage `json:"offlineMsg,omitempty"`
	Friends    []Contact         `json:"friends,omitempty"`
	Groups     []Group           `json:"groups,omitempty"`
}

// Contact is a friend entry in a login acknowledgement.
type Contact struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Member is a group roster entry.
type Member struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Role  string `json:"role"`
}

// Group is a group entry in a login acknowledgement.
type Group struct {
	ID        int64    `json:"id"`
	GroupName string   `json:"groupname"`
	GroupDesc string   `json:"groupdesc"`
	Users     []Member `json:"users"`
}

// Decode parses a single JSON frame and checks the fields its kind requires.
// Unknown kinds decode successfully so the dispatcher can route them to its
// fallback handler.
func Decode(data []byte) (*Envelope, error) {
	var probe struct {
		Kind *Kind `json:"msgid"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if probe.Kind == nil {
		return nil, fmt.Errorf("%w: missing msgid", ErrMalformed)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Encode serializes the envelope as a single JSON object.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Validate checks that the fields required by the envelope's kind are present.
func (e *Envelope) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrMalformed, e.Kind, field)
	}
	switch e.Kind {
	case Login, Logout:
		if e.ID <= 0 {
			return missing("id")
		}
	case Register:
		if e.Name == "" {
			return missing("name")
		}
		if e.Password == "" {
			return missing("password")
		}
	case OneChat:
		if e.ID <= 0 {
			return missing("id")
		}
		if e.To <= 0 {
			return missing("to")
		}
	case AddFriend:
		if e.ID <= 0 {
			return missing("id")
		}
		if e.FriendID <= 0 {
			return missing("friendid")
		}
	case CreateGroup:
		if e.ID <= 0 {
			return missing("id")
		}
		if e.GroupName == "" {
			return missing("groupname")
		}
	case AddGroup, GroupChat:
		if e.ID <= 0 {
			return missing("id")
		}
		if e.GroupID <= 0 {
			return missing("groupid")
		}
	}
	return nil
}
