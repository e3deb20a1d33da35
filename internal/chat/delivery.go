package chat

import (
	"context"

	"github.com/matheus3301/chatd/internal/envelope"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// Outcome is where Deliver put an envelope.
type Outcome int

const (
	// DeliveredLocal means the envelope was written to a connection on this node.
	DeliveredLocal Outcome = iota + 1
	// DeliveredRemote means the envelope was published to the recipient's channel.
	DeliveredRemote
	// QueuedOffline means the envelope went to the recipient's offline queue.
	QueuedOffline
	// Rejected means the envelope could not be encoded and nothing was done.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case DeliveredLocal:
		return "local"
	case DeliveredRemote:
		return "remote"
	case QueuedOffline:
		return "offline"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Deliver routes env to recipientID. The first rung that applies wins:
// a local session, then a remote session advertised by the presence flag, then
// the offline queue. Transport failures fall through to the next rung, so an
// envelope is never silently dropped.
func (s *Service) Deliver(ctx context.Context, recipientID int64, env *envelope.Envelope) Outcome {
	payload, err := env.Encode()
	if err != nil {
		s.logger.Error("cannot encode envelope", zap.Stringer("msgid", env.Kind), zap.Error(err))
		s.metrics.delivered(Rejected)
		return Rejected
	}
	return s.deliver(ctx, recipientID, payload)
}

func (s *Service) deliver(ctx context.Context, recipientID int64, payload []byte) Outcome {
	if outcome, ok := s.deliverLocal(recipientID, payload); ok {
		return outcome
	}

	user, err := s.store.FindUserByID(recipientID)
	if err != nil {
		s.logger.Error("presence lookup failed, queueing offline", zap.Int64("user_id", recipientID), zap.Error(err))
		return s.queueOffline(recipientID, payload)
	}
	if user != nil && user.State == store.Online {
		if err := s.bridge.Publish(ctx, recipientID, payload); err != nil {
			s.logger.Error("remote publish failed, queueing offline", zap.Int64("user_id", recipientID), zap.Error(err))
			return s.queueOffline(recipientID, payload)
		}
		s.logger.Debug("delivered remote", zap.Int64("user_id", recipientID), zap.String("node", user.Node))
		s.metrics.delivered(DeliveredRemote)
		return DeliveredRemote
	}
	outcome := s.queueOffline(recipientID, payload)
	s.flushQueued(ctx, recipientID, true)
	return outcome
}

// DeliverInbound handles an envelope forwarded by another node. It only tries
// the local session and the offline queue; republishing could bounce the
// envelope between nodes while a presence flag is stale. Payloads that do not
// decode as an envelope are dropped.
func (s *Service) DeliverInbound(ctx context.Context, recipientID int64, payload []byte) {
	if _, err := envelope.Decode(payload); err != nil {
		s.logger.Warn("dropping malformed forwarded envelope",
			zap.Int64("user_id", recipientID), zap.ByteString("payload", payload), zap.Error(err))
		s.metrics.dropped("inbound_malformed")
		return
	}
	if _, ok := s.deliverLocal(recipientID, payload); ok {
		return
	}
	s.logger.Info("forwarded envelope for a user no longer here, queueing offline", zap.Int64("user_id", recipientID))
	s.queueOffline(recipientID, payload)
	s.flushQueued(ctx, recipientID, false)
}

// deliverLocal writes payload to recipientID's local connection. It reports
// false when the user has no session here. A failed write queues the payload
// offline and still reports true.
func (s *Service) deliverLocal(recipientID int64, payload []byte) (Outcome, bool) {
	conn, ok := s.sessions.Lookup(recipientID)
	if !ok {
		return 0, false
	}
	if err := conn.Send(payload); err != nil {
		s.logger.Warn("local send failed, queueing offline",
			zap.Int64("user_id", recipientID), zap.String("conn", conn.ID()), zap.Error(err))
		return s.queueOffline(recipientID, payload), true
	}
	s.logger.Debug("delivered local", zap.Int64("user_id", recipientID))
	s.metrics.delivered(DeliveredLocal)
	return DeliveredLocal, true
}

func (s *Service) queueOffline(recipientID int64, payload []byte) Outcome {
	if err := s.store.AppendOffline(recipientID, payload); err != nil {
		s.logger.Error("offline queue write failed, envelope lost",
			zap.Int64("user_id", recipientID), zap.ByteString("payload", payload), zap.Error(err))
		s.metrics.offlineFailed()
		return QueuedOffline
	}
	s.metrics.delivered(QueuedOffline)
	return QueuedOffline
}

// flushQueued runs after an envelope was queued because the recipient looked
// offline. A login may have claimed the session and drained the queue between
// that presence read and the append, leaving the envelope behind while the user
// is online. If a session exists now, the queue is drained again and pushed to
// it: written to the local connection, or published when remote is set and the
// presence flag shows another node. Anything that fails to go out is queued
// again for the next login.
func (s *Service) flushQueued(ctx context.Context, recipientID int64, remote bool) {
	conn, local := s.sessions.Lookup(recipientID)
	if !local {
		if !remote {
			return
		}
		user, err := s.store.FindUserByID(recipientID)
		if err != nil || user == nil || user.State != store.Online {
			return
		}
	}
	payloads, err := s.store.DrainOffline(recipientID)
	if err != nil {
		s.logger.Error("offline re-drain failed, queue kept for next login", zap.Int64("user_id", recipientID), zap.Error(err))
		return
	}
	for i, p := range payloads {
		if local {
			err = conn.Send(p)
		} else {
			err = s.bridge.Publish(ctx, recipientID, p)
		}
		if err != nil {
			s.logger.Warn("push of re-drained queue failed, re-queueing",
				zap.Int64("user_id", recipientID), zap.Int("pending", len(payloads)-i), zap.Error(err))
			for _, rest := range payloads[i:] {
				if aerr := s.store.AppendOffline(recipientID, rest); aerr != nil {
					s.logger.Error("re-queue failed, envelope lost",
						zap.Int64("user_id", recipientID), zap.ByteString("payload", rest), zap.Error(aerr))
				}
			}
			return
		}
	}
	if len(payloads) > 0 {
		s.logger.Info("pushed queue to a session that appeared during delivery",
			zap.Int64("user_id", recipientID), zap.Int("count", len(payloads)), zap.Bool("local", local))
	}
}
