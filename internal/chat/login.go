package chat

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/matheus3301/chatd/internal/envelope"
	"github.com/matheus3301/chatd/internal/registry"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

const (
	msgUnknownID      = "this account does not exist"
	msgBadPassword    = "id or password is invalid"
	msgDuplicateLogin = "this account is already logged in"
	msgInternal       = "internal error, try again later"
)

// Login runs the offline -> online transition for userID on conn and returns
// the acknowledgement to send. On success the acknowledgement carries the
// drained offline queue; the caller owns re-queueing it if the send fails.
//
// The order of side effects is fixed: the local slot is claimed, the channel
// subscribed, then the presence flag flipped with a compare-and-set. A sender
// that observes the new online flag therefore always finds a subscriber. A
// sender that observed the old offline flag may append after the drain below;
// it re-checks for a session once its append lands and pushes the queue there.
func (s *Service) Login(ctx context.Context, conn registry.Conn, userID int64, password string) *envelope.Envelope {
	logger := s.logger.With(zap.Int64("user_id", userID), zap.String("conn", conn.ID()))

	user, err := s.store.FindUserByID(userID)
	if err != nil {
		logger.Error("login lookup failed", zap.Error(err))
		s.metrics.login("internal")
		return envelope.LoginFailed(envelope.Internal, msgInternal)
	}
	if user == nil {
		s.metrics.login("unknown_id")
		return envelope.LoginFailed(envelope.UnknownID, msgUnknownID)
	}
	if !user.PasswordMatches(password) {
		s.metrics.login("bad_password")
		return envelope.LoginFailed(envelope.BadPassword, msgBadPassword)
	}
	if user.State == store.Online {
		s.metrics.login("duplicate")
		return envelope.LoginFailed(envelope.DuplicateLogin, msgDuplicateLogin)
	}
	if !s.sessions.PutIfAbsent(userID, conn) {
		s.metrics.login("duplicate")
		return envelope.LoginFailed(envelope.DuplicateLogin, msgDuplicateLogin)
	}

	if err := s.bridge.Subscribe(ctx, userID); err != nil {
		// The bridge resubscribes every registry user after it reconnects.
		logger.Error("subscribe failed, remote delivery unavailable until broker reconnect", zap.Error(err))
	}

	ok, err := s.store.MarkOnline(userID, s.node)
	if err != nil || !ok {
		s.sessions.RemoveIf(userID, conn.ID())
		if uerr := s.bridge.Unsubscribe(ctx, userID); uerr != nil {
			logger.Warn("unsubscribe after rejected login failed", zap.Error(uerr))
		}
		if err != nil {
			logger.Error("presence update failed", zap.Error(err))
			s.metrics.login("internal")
			return envelope.LoginFailed(envelope.Internal, msgInternal)
		}
		s.metrics.login("duplicate")
		return envelope.LoginFailed(envelope.DuplicateLogin, msgDuplicateLogin)
	}
	s.metrics.login("ok")
	s.metrics.setSessions(s.sessions.Len())
	logger.Info("user logged in", zap.String("name", user.Name))

	return envelope.LoginSucceeded(user.ID, user.Name, s.drain(logger, userID), s.friends(logger, userID), s.groups(logger, userID))
}

func (s *Service) drain(logger *zap.Logger, userID int64) []json.RawMessage {
	payloads, err := s.store.DrainOffline(userID)
	if err != nil {
		// Nothing was deleted; the queue is delivered on the next login.
		logger.Error("offline drain failed", zap.Error(err))
		return nil
	}
	out := make([]json.RawMessage, 0, len(payloads))
	for _, p := range payloads {
		if !json.Valid(p) {
			logger.Warn("dropping corrupt offline message", zap.ByteString("payload", p))
			continue
		}
		out = append(out, json.RawMessage(p))
	}
	return out
}

func (s *Service) friends(logger *zap.Logger, userID int64) []envelope.Contact {
	users, err := s.store.ListFriends(userID)
	if err != nil {
		logger.Error("friend list failed", zap.Error(err))
		return nil
	}
	out := make([]envelope.Contact, len(users))
	for i, u := range users {
		out[i] = envelope.Contact{ID: u.ID, Name: u.Name, State: string(u.State)}
	}
	return out
}

func (s *Service) groups(logger *zap.Logger, userID int64) []envelope.Group {
	groups, err := s.store.ListGroupsForUser(userID)
	if err != nil {
		logger.Error("group list failed", zap.Error(err))
		return nil
	}
	out := make([]envelope.Group, len(groups))
	for i, g := range groups {
		members := make([]envelope.Member, len(g.Members))
		for j, m := range g.Members {
			members[j] = envelope.Member{ID: m.UserID, Name: m.Name, State: string(m.State), Role: string(m.Role)}
		}
		out[i] = envelope.Group{ID: g.ID, GroupName: g.Name, GroupDesc: g.Desc, Users: members}
	}
	return out
}

// Logout ends userID's session if conn owns it. Calling it again, or for a
// session owned by another connection, does nothing.
func (s *Service) Logout(ctx context.Context, conn registry.Conn, userID int64) {
	if !s.sessions.RemoveIf(userID, conn.ID()) {
		s.logger.Debug("logout for a session this connection does not own",
			zap.Int64("user_id", userID), zap.String("conn", conn.ID()))
		return
	}
	s.goOffline(ctx, userID, "logout")
}

// Disconnect ends every session conn holds. The transport calls it once the
// socket is gone; racing a LOGOUT for the same session removes it only once.
func (s *Service) Disconnect(ctx context.Context, conn registry.Conn) {
	for {
		userID, ok := s.sessions.RemoveByConn(conn.ID())
		if !ok {
			return
		}
		s.goOffline(ctx, userID, "disconnect")
	}
}

// goOffline unsubscribes before clearing the presence flag, so a new login for
// the same user cannot subscribe before this unsubscribe lands.
func (s *Service) goOffline(ctx context.Context, userID int64, reason string) {
	logger := s.logger.With(zap.Int64("user_id", userID), zap.String("reason", reason))
	if err := s.bridge.Unsubscribe(ctx, userID); err != nil {
		logger.Warn("unsubscribe failed", zap.Error(err))
	}
	if err := s.store.SetPresence(userID, store.Offline, s.node); err != nil {
		logger.Error("presence update failed, user stays marked online", zap.Error(err))
	}
	s.metrics.setSessions(s.sessions.Len())
	logger.Info("user logged out")
}

// Register creates an account and returns the REG_ACK to send.
func (s *Service) Register(name, password string) *envelope.Envelope {
	id, err := s.store.InsertUser(name, password)
	switch {
	case errors.Is(err, store.ErrDuplicateName):
		return envelope.RegisterResult(envelope.DuplicateName, 0)
	case err != nil:
		s.logger.Error("register failed", zap.String("name", name), zap.Error(err))
		return envelope.RegisterResult(envelope.Internal, 0)
	}
	s.logger.Info("user registered", zap.Int64("user_id", id), zap.String("name", name))
	return envelope.RegisterResult(envelope.OK, id)
}

// Reset marks every user this node owns as offline. The daemon calls it before
// accepting traffic and again on controlled shutdown.
func (s *Service) Reset() error {
	n, err := s.store.ResetAllToOffline(s.node)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("reset stale presence", zap.Int64("users", n))
	}
	return nil
}

func (s *Service) handleLogin(ctx context.Context, conn registry.Conn, env *envelope.Envelope) {
	ack := s.Login(ctx, conn, env.ID, env.Password)
	if err := s.reply(conn, ack); err != nil {
		s.logger.Warn("login ack not delivered", zap.Int64("user_id", env.ID), zap.Error(err))
		for _, msg := range ack.OfflineMsg {
			if aerr := s.store.AppendOffline(env.ID, msg); aerr != nil {
				s.logger.Error("re-queue of drained message failed", zap.Int64("user_id", env.ID), zap.Error(aerr))
			}
		}
	}
}

func (s *Service) handleLogout(ctx context.Context, conn registry.Conn, env *envelope.Envelope) {
	s.Logout(ctx, conn, env.ID)
}

func (s *Service) handleRegister(_ context.Context, conn registry.Conn, env *envelope.Envelope) {
	if err := s.reply(conn, s.Register(env.Name, env.Password)); err != nil {
		s.logger.Warn("register ack not delivered", zap.String("name", env.Name), zap.Error(err))
	}
}
