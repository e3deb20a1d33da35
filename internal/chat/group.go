package chat

import (
	"context"

	"github.com/matheus3301/chatd/internal/envelope"
	"github.com/matheus3301/chatd/internal/registry"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// FanoutGroupChat delivers env to every member of groupID except senderID.
// Membership is read fresh on every call. Each member's outcome is
// independent of the others.
func (s *Service) FanoutGroupChat(ctx context.Context, senderID, groupID int64, env *envelope.Envelope) map[int64]Outcome {
	members, err := s.store.ListMemberIDs(groupID, senderID)
	if err != nil {
		s.logger.Error("group membership lookup failed", zap.Int64("group_id", groupID), zap.Error(err))
		return nil
	}
	payload, err := env.Encode()
	if err != nil {
		s.logger.Error("cannot encode group envelope", zap.Int64("group_id", groupID), zap.Error(err))
		return nil
	}
	outcomes := make(map[int64]Outcome, len(members))
	for _, id := range members {
		outcomes[id] = s.deliver(ctx, id, payload)
	}
	s.logger.Debug("group fanout", zap.Int64("group_id", groupID), zap.Int("members", len(members)))
	return outcomes
}

// CreateGroup creates a group and adds creatorID with the creator role. The two
// writes are independent; a failure between them leaves an empty group.
func (s *Service) CreateGroup(creatorID int64, name, desc string) (int64, error) {
	groupID, err := s.store.CreateGroup(name, desc)
	if err != nil {
		return 0, err
	}
	if err := s.store.AddMembership(creatorID, groupID, store.Creator); err != nil {
		return groupID, err
	}
	return groupID, nil
}

// JoinGroup adds userID to groupID as a normal member.
func (s *Service) JoinGroup(userID, groupID int64) error {
	return s.store.AddMembership(userID, groupID, store.Normal)
}

func (s *Service) handleOneChat(ctx context.Context, _ registry.Conn, env *envelope.Envelope) {
	s.Deliver(ctx, env.To, env)
}

func (s *Service) handleAddFriend(_ context.Context, _ registry.Conn, env *envelope.Envelope) {
	if err := s.store.AddFriend(env.ID, env.FriendID); err != nil {
		s.logger.Error("add friend failed", zap.Int64("user_id", env.ID), zap.Int64("friend_id", env.FriendID), zap.Error(err))
	}
}

func (s *Service) handleCreateGroup(_ context.Context, _ registry.Conn, env *envelope.Envelope) {
	groupID, err := s.CreateGroup(env.ID, env.GroupName, env.GroupDesc)
	if err != nil {
		s.logger.Error("create group failed", zap.Int64("user_id", env.ID), zap.String("group", env.GroupName), zap.Error(err))
		return
	}
	s.logger.Info("group created", zap.Int64("group_id", groupID), zap.Int64("user_id", env.ID))
}

func (s *Service) handleAddGroup(_ context.Context, _ registry.Conn, env *envelope.Envelope) {
	if err := s.JoinGroup(env.ID, env.GroupID); err != nil {
		s.logger.Error("join group failed", zap.Int64("user_id", env.ID), zap.Int64("group_id", env.GroupID), zap.Error(err))
	}
}

func (s *Service) handleGroupChat(ctx context.Context, _ registry.Conn, env *envelope.Envelope) {
	s.FanoutGroupChat(ctx, env.ID, env.GroupID, env)
}
