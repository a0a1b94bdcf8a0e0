package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/auth"
	"github.com/studyhub/matchmaking/internal/config"
	"github.com/studyhub/matchmaking/internal/logger"
	"github.com/studyhub/matchmaking/internal/messaging"
	"github.com/studyhub/matchmaking/internal/realtime"
)

func main() {
	os.Exit(realMain())
}

// realMain returns the exit code so deferred calls run before os.Exit.
func realMain() int {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped with error", zap.Error(err))
		return 1
	}
	return 0
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := openBroker(cfg, log)
	if err != nil {
		return err
	}
	defer broker.Close()

	srv := realtime.NewServer(realtime.ServerConfig{
		ListenAddr:     cfg.Gateway.Addr,
		MaxConnections: cfg.Gateway.MaxConnections,
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		Heartbeat: realtime.HeartbeatConfig{
			Interval: cfg.Gateway.HeartbeatInterval,
			Timeout:  cfg.Gateway.HeartbeatTimeout,
		},
	}, auth.NewVerifier(cfg.Auth.JWTSecret), log)

	if err := srv.Subscribe(broker, cfg.Fanout.Channel); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Fanout.Channel, err)
	}
	srv.PublishPresence(broker, cfg.Fanout.PresenceChannel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// broker is both ends of the fan-out: the gateway subscribes to match events
// and publishes presence.
type broker interface {
	messaging.Publisher
	messaging.Subscriber
	io.Closer
}

type redisBroker struct {
	*messaging.RedisBroker
	client *redis.Client
}

func (r redisBroker) Close() error {
	err := r.RedisBroker.Close()
	return errors.Join(err, r.client.Close())
}

func openBroker(cfg config.Config, log *zap.Logger) (broker, error) {
	switch cfg.Fanout.Driver {
	case config.FanoutNATS:
		nc, err := messaging.NewNATSClient(messaging.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          "matchmaking-gateway",
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			return nil, err
		}
		return nc, nil
	case config.FanoutRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redisBroker{RedisBroker: messaging.NewRedisBroker(client, log), client: client}, nil
	default:
		return nil, fmt.Errorf("gateway needs a fan-out driver, got %q", cfg.Fanout.Driver)
	}
}
