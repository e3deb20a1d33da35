// Package chat is the routing and presence engine: it decides, for every
// envelope, whether to write it to a local connection, forward it to another
// node, or queue it until the recipient logs in.
package chat

import (
	"context"

	"github.com/matheus3301/chatd/internal/envelope"
	"github.com/matheus3301/chatd/internal/registry"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// UserStore holds credentials and the externally visible presence flag.
type UserStore interface {
	FindUserByID(id int64) (*store.User, error)
	InsertUser(name, password string) (int64, error)
	MarkOnline(id int64, node string) (bool, error)
	SetPresence(id int64, state store.Presence, node string) error
	ResetAllToOffline(node string) (int64, error)
}

// FriendStore holds directed friend edges.
type FriendStore interface {
	AddFriend(ownerID, friendID int64) error
	ListFriends(id int64) ([]store.User, error)
}

// GroupStore holds groups and their memberships.
type GroupStore interface {
	CreateGroup(name, desc string) (int64, error)
	AddMembership(userID, groupID int64, role store.Role) error
	ListGroupsForUser(userID int64) ([]store.Group, error)
	ListMemberIDs(groupID, excludeUserID int64) ([]int64, error)
}

// OfflineStore queues envelopes for users who are not online anywhere.
type OfflineStore interface {
	AppendOffline(userID int64, payload []byte) error
	DrainOffline(userID int64) ([][]byte, error)
}

// Store is the full persistence collaborator; *store.DB satisfies it.
type Store interface {
	UserStore
	FriendStore
	GroupStore
	OfflineStore
}

// Bridge forwards envelopes to users connected to other nodes.
type Bridge interface {
	Publish(ctx context.Context, userID int64, payload []byte) error
	Subscribe(ctx context.Context, userID int64) error
	Unsubscribe(ctx context.Context, userID int64) error
}

// HandlerFunc processes one decoded envelope received on conn.
type HandlerFunc func(ctx context.Context, conn registry.Conn, env *envelope.Envelope)

// Service is the chat engine for one node. It is safe for concurrent use by
// any number of transport workers.
type Service struct {
	node     string
	store    Store
	bridge   Bridge
	sessions *registry.Registry
	logger   *zap.Logger
	metrics  *serviceMetrics
	handlers map[envelope.Kind]HandlerFunc
}

// NewService wires the engine to its collaborators. node names this process in
// presence records; reg may be nil to disable metrics.
func NewService(node string, st Store, br Bridge, sessions *registry.Registry, reg prometheus.Registerer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		node:     node,
		store:    st,
		bridge:   br,
		sessions: sessions,
		logger:   logger.Named("chat"),
		metrics:  newServiceMetrics(reg),
	}
	s.handlers = map[envelope.Kind]HandlerFunc{
		envelope.Login:       s.handleLogin,
		envelope.Logout:      s.handleLogout,
		envelope.Register:    s.handleRegister,
		envelope.OneChat:     s.handleOneChat,
		envelope.AddFriend:   s.handleAddFriend,
		envelope.CreateGroup: s.handleCreateGroup,
		envelope.AddGroup:    s.handleAddGroup,
		envelope.GroupChat:   s.handleGroupChat,
	}
	return s
}

// Node returns the node name used in presence records.
func (s *Service) Node() string {
	return s.node
}

func (s *Service) reply(conn registry.Conn, env *envelope.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.Send(payload)
}

// owns reports whether conn holds the session for userID.
func (s *Service) owns(conn registry.Conn, userID int64) bool {
	c, ok := s.sessions.Lookup(userID)
	return ok && c.ID() == conn.ID()
}
