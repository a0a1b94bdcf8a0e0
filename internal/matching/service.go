// Package matching implements anonymous 1:1 matchmaking: the join-queue
// orchestration, the pairing algorithm and the stale-entry reaper. Pairing
// runs in a detached goroutine after a join so request latency never depends
// on matching latency; results reach clients through the Notifier.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/metrics"
	"github.com/studyhub/matchmaking/internal/ratelimit"
	"github.com/studyhub/matchmaking/internal/store"
)

// ActionJoin is the rate limiter action for queue joins and skips.
const ActionJoin = "matchmaking_join"

const defaultMatchTimeout = 10 * time.Second

// RateLimiter is the subset of ratelimit.Limiter the service needs.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Result, error)
}

// ServiceConfig tunes the orchestration.
type ServiceConfig struct {
	JoinLimit  int
	JoinWindow time.Duration
	// MatchTimeout bounds one detached matching attempt.
	MatchTimeout time.Duration
}

// JoinResult is returned by JoinQueue. A join never carries the match
// itself; that arrives later as a match_found event.
type JoinResult struct {
	Queued bool `json:"queued"`
}

// QueueStatus describes where a user currently stands.
type QueueStatus struct {
	Queued    bool               `json:"queued"`
	JoinedAt  *time.Time         `json:"joinedAt,omitempty"`
	MatchMode store.MatchMode    `json:"matchMode,omitempty"`
	Session   *store.ChatSession `json:"session,omitempty"`
}

// Service is the entry point used by the HTTP API.
type Service struct {
	store    store.Store
	matcher  *Matcher
	limiter  RateLimiter
	notifier *Notifier
	cfg      ServiceConfig
	joinRule ratelimit.Rule
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the orchestration. A nil limiter disables rate limiting
// and a nil notifier publishes nothing.
func NewService(st store.Store, matcher *Matcher, limiter RateLimiter, notifier *Notifier, cfg ServiceConfig, log *zap.Logger) *Service {
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	if notifier == nil {
		notifier = NewNotifier(nil, "", log)
	}
	if cfg.JoinLimit <= 0 {
		cfg.JoinLimit = ratelimit.RuleJoin.Limit
	}
	if cfg.JoinWindow <= 0 {
		cfg.JoinWindow = ratelimit.RuleJoin.Window
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = defaultMatchTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    st,
		matcher:  matcher,
		limiter:  limiter,
		notifier: notifier,
		cfg:      cfg,
		joinRule: ratelimit.Rule{Action: ActionJoin, Limit: cfg.JoinLimit, Window: cfg.JoinWindow},
		log:      log.Named("service"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// JoinQueue puts userID in the queue and fires a matching attempt.
//
// Steps, in order: rate limit (fails open), force-end any active session of
// the user, clear any leftover queue entry, enqueue, start the matcher
// without waiting for it. Re-joining therefore abandons a previous session.
func (s *Service) JoinQueue(ctx context.Context, userID string, mode store.MatchMode, prefs json.RawMessage) (JoinResult, error) {
	res, err := s.limiter.Allow(ctx, userID, s.joinRule)
	if err != nil {
		s.log.Warn("rate limiter unavailable, allowing join", zap.String("user_id", userID), zap.Error(err))
	}
	if !res.Allowed {
		metrics.JoinsTotal.WithLabelValues("rate_limited").Inc()
		return JoinResult{}, &RateLimitedError{RetryAfter: res.RetryAfter, Remaining: res.Remaining}
	}

	if err := s.endActiveSession(ctx, userID); err != nil {
		metrics.JoinsTotal.WithLabelValues("error").Inc()
		return JoinResult{}, err
	}

	if err := s.store.Dequeue(ctx, userID); err != nil {
		metrics.JoinsTotal.WithLabelValues("error").Inc()
		return JoinResult{}, fmt.Errorf("matching: clear stale entry: %w", err)
	}

	_, err = s.store.Enqueue(ctx, userID, mode, prefs)
	if errors.Is(err, store.ErrAlreadyQueued) {
		// A concurrent join for the same user enqueued between our dequeue and
		// enqueue. That join fired its own matching attempt.
		metrics.JoinsTotal.WithLabelValues("queued").Inc()
		s.log.Debug("concurrent join already queued user", zap.String("user_id", userID))
		return JoinResult{Queued: true}, nil
	}
	if err != nil {
		metrics.JoinsTotal.WithLabelValues("error").Inc()
		return JoinResult{}, fmt.Errorf("matching: enqueue: %w", err)
	}

	metrics.JoinsTotal.WithLabelValues("queued").Inc()
	s.log.Debug("user queued", zap.String("user_id", userID), zap.String("mode", string(mode)))

	s.matchAsync(userID, mode)
	return JoinResult{Queued: true}, nil
}

// Skip ends the caller's current session, notifying the partner, and puts
// the caller back in the queue. It shares the join rate limit.
func (s *Service) Skip(ctx context.Context, userID string, mode store.MatchMode, prefs json.RawMessage) (JoinResult, error) {
	s.log.Debug("skip requested", zap.String("user_id", userID))
	return s.JoinQueue(ctx, userID, mode, prefs)
}

// LeaveQueue removes userID from the queue. Leaving twice is fine. An
// in-flight matching attempt that already claimed the entry still wins.
func (s *Service) LeaveQueue(ctx context.Context, userID string) error {
	if err := s.store.Dequeue(ctx, userID); err != nil {
		return fmt.Errorf("matching: leave: %w", err)
	}
	return nil
}

// EndSession ends sessionID on behalf of userID and notifies the partner.
func (s *Service) EndSession(ctx context.Context, userID, sessionID string) (*store.ChatSession, error) {
	sess, err := s.store.Session(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("matching: load session: %w", err)
	}
	if !sess.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}

	ended, changed, err := s.store.EndSession(ctx, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("matching: end session: %w", err)
	}
	if changed {
		s.notifyEnded(ctx, ended, userID)
	}
	return ended, nil
}

// ActiveSession returns the caller's active session so a reconnecting client
// can recover a match_found it missed.
func (s *Service) ActiveSession(ctx context.Context, userID string) (*store.ChatSession, error) {
	sess, err := s.store.FindActiveSession(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("matching: find active session: %w", err)
	}
	return sess, nil
}

// Status reports whether userID is queued and any active session.
func (s *Service) Status(ctx context.Context, userID string) (QueueStatus, error) {
	var st QueueStatus

	entry, err := s.store.Entry(ctx, userID)
	switch {
	case err == nil:
		st.Queued = true
		joined := entry.JoinedAt
		st.JoinedAt = &joined
		st.MatchMode = entry.MatchMode
	case !errors.Is(err, store.ErrNotFound):
		return QueueStatus{}, fmt.Errorf("matching: queue entry: %w", err)
	}

	sess, err := s.ActiveSession(ctx, userID)
	switch {
	case err == nil:
		st.Session = sess
	case !errors.Is(err, ErrNoActiveSession):
		return QueueStatus{}, err
	}
	return st, nil
}

// Stats reads queue and session counts and refreshes the gauges.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return store.Stats{}, fmt.Errorf("matching: stats: %w", err)
	}
	metrics.QueueSize.Set(float64(st.Waiting))
	metrics.ActiveSessions.Set(float64(st.ActiveSessions))
	return st, nil
}

// TryMatch runs one synchronous matching attempt for userID and publishes
// match_found to both users on success.
func (s *Service) TryMatch(ctx context.Context, userID string, mode store.MatchMode) (store.MatchResult, error) {
	res, err := s.matcher.FindMatch(ctx, userID, mode)
	if err != nil {
		return store.MatchResult{}, fmt.Errorf("matching: find match for %s: %w", userID, err)
	}
	if !res.MatchFound {
		return res, nil
	}
	if err := s.notifier.MatchFound(ctx, res.SessionID, userID, res.PartnerID); err != nil {
		// The session exists; clients recover it through ActiveSession.
		s.log.Error("publish match_found", zap.String("session_id", res.SessionID), zap.Error(err))
	}
	return res, nil
}

// Wait blocks until all detached matching attempts have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Stop cancels in-flight matching attempts and waits for them.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info("service stopped")
}

// matchAsync runs TryMatch detached from the request. Its failures are
// logged and never reach the caller.
func (s *Service) matchAsync(userID string, mode store.MatchMode) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("matcher panic", zap.String("user_id", userID), zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.MatchTimeout)
		defer cancel()

		if _, err := s.TryMatch(ctx, userID, mode); err != nil {
			s.log.Error("matching attempt failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()
}

func (s *Service) endActiveSession(ctx context.Context, userID string) error {
	sess, err := s.store.FindActiveSession(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("matching: find active session: %w", err)
	}

	ended, changed, err := s.store.EndSession(ctx, sess.ID, userID)
	if err != nil {
		return fmt.Errorf("matching: end previous session: %w", err)
	}
	if changed {
		s.log.Info("previous session ended by re-join",
			zap.String("user_id", userID), zap.String("session_id", sess.ID))
		s.notifyEnded(ctx, ended, userID)
	}
	return nil
}

func (s *Service) notifyEnded(ctx context.Context, sess *store.ChatSession, endedBy string) {
	if err := s.notifier.SessionEnded(ctx, sess, endedBy); err != nil {
		s.log.Warn("publish session_ended", zap.String("session_id", sess.ID), zap.Error(err))
	}
}
