package matching

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/messaging"
	"github.com/studyhub/matchmaking/internal/protocol"
)

const presenceTimeout = 5 * time.Second

// HandleDisconnect runs when a user's last gateway connection closes: the
// user leaves the queue and any active session ends with the user as
// endedBy, which tells the partner.
func (s *Service) HandleDisconnect(ctx context.Context, userID string) error {
	if err := s.LeaveQueue(ctx, userID); err != nil {
		return err
	}
	if err := s.endActiveSession(ctx, userID); err != nil {
		return fmt.Errorf("matching: disconnect %s: %w", userID, err)
	}
	s.log.Debug("user disconnected", zap.String("user_id", userID))
	return nil
}

// SubscribePresence listens for user_disconnected events published by the
// gateways on channel.
func (s *Service) SubscribePresence(sub messaging.Subscriber, channel string) error {
	if channel == "" {
		channel = protocol.ChannelPresence
	}
	return sub.Subscribe(channel, s.handlePresence)
}

func (s *Service) handlePresence(data []byte) {
	msg, userID, err := protocol.ParseMessage(data)
	if err != nil {
		s.log.Warn("dropping malformed presence message", zap.Error(err))
		return
	}
	if msg.Event != protocol.EventUserDisconnected {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, presenceTimeout)
	defer cancel()
	if err := s.HandleDisconnect(ctx, userID); err != nil {
		s.log.Error("handle disconnect", zap.String("user_id", userID), zap.Error(err))
	}
}
