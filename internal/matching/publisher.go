package matching

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/messaging"
	"github.com/studyhub/matchmaking/internal/metrics"
	"github.com/studyhub/matchmaking/internal/protocol"
	"github.com/studyhub/matchmaking/internal/store"
)

// Notifier publishes match lifecycle events on the broadcast channel. Each
// event is addressed to one user.
type Notifier struct {
	pub     messaging.Publisher
	channel string
	log     *zap.Logger
}

// NewNotifier creates a Notifier publishing on channel.
func NewNotifier(pub messaging.Publisher, channel string, log *zap.Logger) *Notifier {
	if pub == nil {
		pub = messaging.Discard{}
	}
	if channel == "" {
		channel = protocol.ChannelMatching
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{pub: pub, channel: channel, log: log.Named("notifier")}
}

// MatchFound publishes one match_found event per participant. Both publishes
// are attempted even if the first fails.
func (n *Notifier) MatchFound(ctx context.Context, sessionID string, users ...string) error {
	var errs []error
	for _, userID := range users {
		payload := protocol.MatchFoundPayload{SessionID: sessionID, UserID: userID}
		if err := messaging.Broadcast(ctx, n.pub, n.channel, protocol.EventMatchFound, payload); err != nil {
			metrics.PublishErrorsTotal.Inc()
			errs = append(errs, fmt.Errorf("matching: publish match_found for %s: %w", userID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	n.log.Debug("match published", zap.String("session_id", sessionID), zap.Strings("users", users))
	return nil
}

// SessionEnded tells the participants other than endedBy that sess ended.
// The reaper passes store.EndedBySystem, so both participants are told.
func (n *Notifier) SessionEnded(ctx context.Context, sess *store.ChatSession, endedBy string) error {
	var errs []error
	for _, userID := range []string{sess.User1ID, sess.User2ID} {
		if userID == endedBy {
			continue
		}
		payload := protocol.SessionEndedPayload{SessionID: sess.ID, UserID: userID, EndedBy: endedBy}
		if err := messaging.Broadcast(ctx, n.pub, n.channel, protocol.EventSessionEnded, payload); err != nil {
			metrics.PublishErrorsTotal.Inc()
			errs = append(errs, fmt.Errorf("matching: publish session_ended for %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

// QueueTimeout tells each user that its queue entry expired without a match.
func (n *Notifier) QueueTimeout(ctx context.Context, users ...string) error {
	var errs []error
	for _, userID := range users {
		payload := protocol.QueueTimeoutPayload{UserID: userID}
		if err := messaging.Broadcast(ctx, n.pub, n.channel, protocol.EventQueueTimeout, payload); err != nil {
			metrics.PublishErrorsTotal.Inc()
			errs = append(errs, fmt.Errorf("matching: publish queue_timeout for %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}
