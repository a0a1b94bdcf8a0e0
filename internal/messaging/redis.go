package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker implements Publisher and Subscriber on Redis PUBLISH/SUBSCRIBE.
type RedisBroker struct {
	client *redis.Client
	log    *zap.Logger

	mu     sync.Mutex
	subs   map[string]*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

// NewRedisBroker wraps client. The broker does not own the client.
func NewRedisBroker(client *redis.Client, log *zap.Logger) *RedisBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBroker{
		client: client,
		log:    log.Named("redis-pubsub"),
		subs:   make(map[string]*redis.PubSub),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, data []byte) error {
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription, then delivers
// messages to handler from a background goroutine until Close.
func (b *RedisBroker) Subscribe(channel string, handler func(data []byte)) error {
	ctx := context.Background()
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: broker closed", channel)
	}
	if old := b.subs[channel]; old != nil {
		_ = old.Close()
	}
	b.subs[channel] = ps
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
		b.log.Debug("subscription ended", zap.String("channel", channel))
	}()
	return nil
}

// Close ends all subscriptions and waits for their delivery goroutines.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	for channel, ps := range b.subs {
		if err := ps.Close(); err != nil {
			b.log.Warn("close subscription", zap.String("channel", channel), zap.Error(err))
		}
	}
	b.subs = make(map[string]*redis.PubSub)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
