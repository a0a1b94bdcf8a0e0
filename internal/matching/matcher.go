package matching

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/metrics"
	"github.com/studyhub/matchmaking/internal/store"
)

const (
	defaultCandidateLimit = 50
	defaultMaxAttempts    = 2
)

// MatcherConfig bounds the work of one FindMatch call.
type MatcherConfig struct {
	// CandidateLimit is how many waiting entries one attempt considers.
	CandidateLimit int
	// MaxAttempts is how many candidate scans run when pairings lose races.
	MaxAttempts int
}

// Matcher pairs a waiting user with the oldest eligible waiting partner.
type Matcher struct {
	store store.Store
	cfg   MatcherConfig
	log   *zap.Logger
	now   func() time.Time
}

// NewMatcher creates a Matcher over st.
func NewMatcher(st store.Store, cfg MatcherConfig, log *zap.Logger) *Matcher {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = defaultCandidateLimit
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{store: st, cfg: cfg, log: log.Named("matcher"), now: time.Now}
}

// FindMatch tries to pair userID with a waiting partner and create a session.
//
// Candidates are tried oldest first (joined_at, then insertion order). In
// buddies_first mode accepted buddies are tried before everyone else. A
// candidate that a concurrent matcher already consumed or holds is skipped.
// When a scan ends with lost races the scan is repeated, up to MaxAttempts
// scans in total. A result without a match is not an error.
func (m *Matcher) FindMatch(ctx context.Context, userID string, mode store.MatchMode) (store.MatchResult, error) {
	start := m.now()
	defer func() { metrics.MatchDuration.Observe(m.now().Sub(start).Seconds()) }()

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		res, conflicted, err := m.attempt(ctx, userID, mode)
		if err != nil {
			metrics.MatchAttemptsTotal.WithLabelValues("error").Inc()
			return store.MatchResult{}, err
		}
		if res.MatchFound {
			metrics.MatchAttemptsTotal.WithLabelValues("matched").Inc()
			return res, nil
		}
		if !conflicted {
			break
		}
		m.log.Debug("candidate scan lost races, rescanning",
			zap.String("user_id", userID), zap.Int("attempt", attempt))
	}

	metrics.MatchAttemptsTotal.WithLabelValues("no_match").Inc()
	return store.MatchResult{}, nil
}

// attempt runs one candidate scan. conflicted reports whether any pairing
// lost a race, which makes a rescan worthwhile.
func (m *Matcher) attempt(ctx context.Context, userID string, mode store.MatchMode) (store.MatchResult, bool, error) {
	self, err := m.store.Entry(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		// Already paired by someone else's attempt, or left the queue.
		return store.MatchResult{}, false, nil
	}
	if err != nil {
		return store.MatchResult{}, false, err
	}

	candidates, err := m.store.Candidates(ctx, userID, m.cfg.CandidateLimit)
	if err != nil {
		return store.MatchResult{}, false, err
	}
	if mode == store.ModeBuddiesFirst {
		candidates = m.buddiesFirst(ctx, userID, candidates)
	}

	conflicted := false
	for _, c := range candidates {
		if c.UserID == userID {
			continue
		}

		sess, err := m.store.CreateSession(ctx, userID, c.UserID)
		switch {
		case err == nil:
			now := m.now()
			metrics.WaitDuration.Observe(now.Sub(self.JoinedAt).Seconds())
			metrics.WaitDuration.Observe(now.Sub(c.JoinedAt).Seconds())
			m.log.Info("match formed",
				zap.String("session_id", sess.ID),
				zap.String("user_id", userID),
				zap.String("partner_id", c.UserID),
				zap.String("mode", string(mode)))
			return store.MatchResult{MatchFound: true, SessionID: sess.ID, PartnerID: c.UserID}, false, nil

		case errors.Is(err, store.ErrConcurrentModification):
			conflicted = true
			metrics.MatchConflictsTotal.Inc()
			available, err := m.available(ctx, userID)
			if err != nil {
				return store.MatchResult{}, false, err
			}
			if !available {
				return store.MatchResult{}, false, nil
			}

		case errors.Is(err, store.ErrSelfMatch):
			continue

		default:
			return store.MatchResult{}, false, err
		}
	}
	return store.MatchResult{}, conflicted, nil
}

// available reports whether userID can still be paired: queued and not in an
// active session.
func (m *Matcher) available(ctx context.Context, userID string) (bool, error) {
	if _, err := m.store.Entry(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := m.store.FindActiveSession(ctx, userID); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	return true, nil
}

// buddiesFirst moves accepted buddies to the front, keeping FIFO order within
// both groups. A failed buddy lookup degrades to global ordering.
func (m *Matcher) buddiesFirst(ctx context.Context, userID string, candidates []store.WaitingEntry) []store.WaitingEntry {
	ids, err := m.store.Buddies(ctx, userID)
	if err != nil {
		m.log.Warn("buddy lookup failed, using global order", zap.String("user_id", userID), zap.Error(err))
		return candidates
	}
	if len(ids) == 0 {
		return candidates
	}

	buddies := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		buddies[id] = struct{}{}
	}

	ordered := make([]store.WaitingEntry, 0, len(candidates))
	rest := make([]store.WaitingEntry, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := buddies[c.UserID]; ok {
			ordered = append(ordered, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(ordered, rest...)
}
