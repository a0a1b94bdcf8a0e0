package messaging

import (
	"context"

	"github.com/studyhub/matchmaking/internal/protocol"
)

// Publisher sends raw messages to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte) error
}

// Subscriber delivers raw messages from a named channel to handler.
type Subscriber interface {
	Subscribe(channel string, handler func(data []byte)) error
}

// Broadcast encodes event and payload as a protocol.Message and publishes it
// on channel.
func Broadcast(ctx context.Context, pub Publisher, channel, event string, payload interface{}) error {
	data, err := protocol.NewMessage(event, payload)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, channel, data)
}

// Discard drops every message. Used when no fan-out transport is configured.
type Discard struct{}

func (Discard) Publish(context.Context, string, []byte) error { return nil }
