package chat

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatd/internal/envelope"
	"github.com/matheus3301/chatd/internal/registry"
	"go.uber.org/zap"
)

// Handler returns the handler for kind. Unknown kinds get a handler that only
// logs, so a newer or broken client cannot take the connection down.
func (s *Service) Handler(kind envelope.Kind) HandlerFunc {
	if h, ok := s.handlers[kind]; ok {
		return h
	}
	return s.unknown
}

func (s *Service) unknown(_ context.Context, conn registry.Conn, env *envelope.Envelope) {
	s.metrics.dropped("unknown_kind")
	s.logger.Warn("no handler for envelope", zap.Stringer("msgid", env.Kind), zap.String("conn", conn.ID()))
}

// requiresSession lists the kinds whose id must be the sender's own session.
var requiresSession = map[envelope.Kind]bool{
	envelope.OneChat:     true,
	envelope.AddFriend:   true,
	envelope.CreateGroup: true,
	envelope.AddGroup:    true,
	envelope.GroupChat:   true,
}

// Dispatch decodes one frame received on conn and runs its handler. Errors are
// logged and never close the connection.
func (s *Service) Dispatch(ctx context.Context, conn registry.Conn, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.dropped("panic")
			s.logger.Error("handler panicked", zap.String("conn", conn.ID()), zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
		}
	}()

	env, err := envelope.Decode(frame)
	if err != nil {
		s.metrics.dropped("malformed")
		s.logger.Warn("dropping malformed frame", zap.String("conn", conn.ID()), zap.Int("bytes", len(frame)), zap.Error(err))
		return
	}
	if requiresSession[env.Kind] && !s.owns(conn, env.ID) {
		s.metrics.dropped("not_owner")
		s.logger.Warn("dropping envelope for a session this connection does not own",
			zap.Stringer("msgid", env.Kind), zap.Int64("user_id", env.ID), zap.String("conn", conn.ID()))
		return
	}
	s.Handler(env.Kind)(ctx, conn, env)
}
