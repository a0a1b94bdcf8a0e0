package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/auth"
	"github.com/studyhub/matchmaking/internal/config"
	"github.com/studyhub/matchmaking/internal/httpapi"
	"github.com/studyhub/matchmaking/internal/logger"
	"github.com/studyhub/matchmaking/internal/matching"
	"github.com/studyhub/matchmaking/internal/messaging"
	"github.com/studyhub/matchmaking/internal/ratelimit"
	"github.com/studyhub/matchmaking/internal/store"
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
		log.Error("matchmaker stopped with error", zap.Error(err))
		return 1
	}
	return 0
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// The limiter fails open, so a missing Redis only costs rate limiting.
			log.Warn("redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
	}

	var limiter matching.RateLimiter = ratelimit.Noop{}
	if rdb != nil {
		limiter = ratelimit.NewLimiter(rdb, log)
	}

	pub, closer, err := openPublisher(cfg, rdb, log)
	if err != nil {
		return err
	}
	defer closer.Close()

	matcher := matching.NewMatcher(st, matching.MatcherConfig{
		CandidateLimit: cfg.Matching.CandidateLimit,
		MaxAttempts:    cfg.Matching.MaxAttempts,
	}, log)
	notifier := matching.NewNotifier(pub, cfg.Fanout.Channel, log)
	svc := matching.NewService(st, matcher, limiter, notifier, matching.ServiceConfig{
		JoinLimit:    cfg.RateLimit.JoinLimit,
		JoinWindow:   cfg.RateLimit.JoinWindow,
		MatchTimeout: cfg.Matching.MatchTimeout,
	}, log)
	defer svc.Stop()

	if sub, ok := pub.(messaging.Subscriber); ok {
		if err := svc.SubscribePresence(sub, cfg.Fanout.PresenceChannel); err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.Fanout.PresenceChannel, err)
		}
	} else {
		log.Warn("fan-out cannot subscribe, gateway disconnects are ignored")
	}

	reaper := matching.NewReaper(st, notifier, cfg.Reaper.QueueTTL, cfg.Reaper.SessionMaxLifetime, log)
	reaperDone := make(chan struct{})
	if cfg.Reaper.Enabled {
		go func() {
			defer close(reaperDone)
			reaper.Run(ctx, cfg.Reaper.Interval)
		}()
	} else {
		close(reaperDone)
	}

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Service:    svc,
			Reaper:     reaper,
			Verifier:   auth.NewVerifier(cfg.Auth.JWTSecret),
			CronSecret: cfg.Auth.CronSecret,
			Log:        log,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("matchmaker listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("fanout", cfg.Fanout.Driver),
			zap.Bool("reaper", cfg.Reaper.Enabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// The store closes on return; a Cleanup pass must not outlive it.
	<-reaperDone
	return serveErr
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, error) {
	if cfg.Store.Driver == config.StoreMemory {
		log.Warn("using in-memory store, state is lost on restart")
		return store.NewMemory(), nil
	}

	if cfg.Postgres.AutoMigrate {
		if err := store.Migrate(cfg.Postgres.DSN); err != nil {
			return nil, err
		}
		log.Info("migrations applied")
	}
	return store.OpenPostgres(ctx, store.PostgresOptions{
		DSN:             cfg.Postgres.DSN,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openPublisher(cfg config.Config, rdb *redis.Client, log *zap.Logger) (messaging.Publisher, io.Closer, error) {
	switch cfg.Fanout.Driver {
	case config.FanoutNATS:
		nc, err := messaging.NewNATSClient(messaging.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return nc, nc, nil
	case config.FanoutRedis:
		if rdb == nil {
			return nil, nil, errors.New("redis fan-out requires redis.addr")
		}
		b := messaging.NewRedisBroker(rdb, log)
		return b, b, nil
	default:
		log.Warn("fan-out disabled, match events are not delivered")
		return messaging.Discard{}, nopCloser{}, nil
	}
}
