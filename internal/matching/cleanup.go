package matching

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/metrics"
	"github.com/studyhub/matchmaking/internal/store"
)

const (
	DefaultQueueTTL           = 5 * time.Minute
	DefaultSessionMaxLifetime = 2 * time.Hour
	DefaultCleanupInterval    = 5 * time.Minute
)

// Reaper removes waiting entries older than the queue TTL and ends active
// sessions that outlived the maximum session lifetime. Evicted users get
// queue_timeout; both participants of a reaped session get session_ended
// with endedBy "system".
type Reaper struct {
	store              store.Store
	notifier           *Notifier
	queueTTL           time.Duration
	sessionMaxLifetime time.Duration
	now                func() time.Time
	log                *zap.Logger
}

// NewReaper creates a Reaper. Zero durations fall back to the defaults; a
// nil notifier publishes nothing.
func NewReaper(st store.Store, notifier *Notifier, queueTTL, sessionMaxLifetime time.Duration, log *zap.Logger) *Reaper {
	if notifier == nil {
		notifier = NewNotifier(nil, "", log)
	}
	if queueTTL <= 0 {
		queueTTL = DefaultQueueTTL
	}
	if sessionMaxLifetime <= 0 {
		sessionMaxLifetime = DefaultSessionMaxLifetime
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{
		store:              st,
		notifier:           notifier,
		queueTTL:           queueTTL,
		sessionMaxLifetime: sessionMaxLifetime,
		now:                time.Now,
		log:                log.Named("reaper"),
	}
}

// SetClock overrides the time source.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Cleanup runs one reaping pass and returns the number of rows removed or
// ended. Running it again right away reaps nothing. Publish failures are
// logged; the rows stay reaped.
func (r *Reaper) Cleanup(ctx context.Context) (int64, error) {
	now := r.now()

	evicted, err := r.store.ReapWaiting(ctx, now.Add(-r.queueTTL))
	if err != nil {
		return 0, fmt.Errorf("matching: reap waiting entries: %w", err)
	}
	metrics.ReapedTotal.WithLabelValues("waiting").Add(float64(len(evicted)))
	if len(evicted) > 0 {
		if err := r.notifier.QueueTimeout(ctx, evicted...); err != nil {
			r.log.Warn("publish queue_timeout", zap.Error(err))
		}
	}

	ended, err := r.store.ReapSessions(ctx, now.Add(-r.sessionMaxLifetime))
	if err != nil {
		return int64(len(evicted)), fmt.Errorf("matching: reap sessions: %w", err)
	}
	metrics.ReapedTotal.WithLabelValues("sessions").Add(float64(len(ended)))
	for i := range ended {
		if err := r.notifier.SessionEnded(ctx, &ended[i], store.EndedBySystem); err != nil {
			r.log.Warn("publish session_ended", zap.String("session_id", ended[i].ID), zap.Error(err))
		}
	}

	if len(evicted) > 0 || len(ended) > 0 {
		r.log.Info("cleanup finished", zap.Int("waiting", len(evicted)), zap.Int("sessions", len(ended)))
	}
	return int64(len(evicted) + len(ended)), nil
}

// Run calls Cleanup every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			if _, err := r.Cleanup(ctx); err != nil {
				r.log.Error("cleanup failed", zap.Error(err))
			}
		}
	}
}
