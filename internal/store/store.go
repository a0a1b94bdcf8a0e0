// Package store provides durable storage for the matchmaking waiting queue
// and chat sessions. The invariants (one queue entry per user, one active
// session per user) are enforced by the storage layer itself so they hold
// under concurrent writers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrAlreadyQueued is returned by Enqueue when the user already has a
	// waiting entry. Callers clear stale entries first, so seeing it means a
	// logic bug.
	ErrAlreadyQueued = errors.New("store: user already queued")

	// ErrConcurrentModification is returned by CreateSession when one of the
	// two waiting entries was consumed or claimed by a concurrent call.
	ErrConcurrentModification = errors.New("store: concurrent modification")

	// ErrNotFound is returned when the requested entry or session is absent.
	ErrNotFound = errors.New("store: not found")

	// ErrSelfMatch is returned by CreateSession when both users are the same.
	ErrSelfMatch = errors.New("store: cannot pair a user with themselves")
)

// MatchMode changes the candidate selection policy of the matcher.
type MatchMode string

const (
	ModeGlobal       MatchMode = "global"
	ModeBuddiesFirst MatchMode = "buddies_first"
)

// ParseMatchMode normalises client input. Empty or unknown values map to
// ModeGlobal.
func ParseMatchMode(s string) MatchMode {
	if MatchMode(s) == ModeBuddiesFirst {
		return ModeBuddiesFirst
	}
	return ModeGlobal
}

// Session statuses.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// EndedBySystem marks sessions ended by the reaper rather than a participant.
const EndedBySystem = "system"

// WaitingEntry is one user currently seeking a match.
type WaitingEntry struct {
	UserID      string          `json:"userId"`
	JoinedAt    time.Time       `json:"joinedAt"`
	MatchMode   MatchMode       `json:"matchMode"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
	// Seq is the insertion order, used to break JoinedAt ties.
	Seq int64 `json:"-"`
}

// ChatSession is one formed pairing between two users.
type ChatSession struct {
	ID        string     `json:"id"`
	User1ID   string     `json:"user1Id"`
	User2ID   string     `json:"user2Id"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	EndedBy   string     `json:"endedBy,omitempty"`
}

// Partner returns the other participant, or "" if userID is not in the
// session.
func (s *ChatSession) Partner(userID string) string {
	switch userID {
	case s.User1ID:
		return s.User2ID
	case s.User2ID:
		return s.User1ID
	}
	return ""
}

// IsParticipant reports whether userID is one of the two users.
func (s *ChatSession) IsParticipant(userID string) bool {
	return userID == s.User1ID || userID == s.User2ID
}

// Active reports whether the session has not ended yet.
func (s *ChatSession) Active() bool {
	return s.Status == StatusActive
}

// MatchResult is the outcome of one matching attempt.
type MatchResult struct {
	MatchFound bool   `json:"match_found"`
	SessionID  string `json:"session_id,omitempty"`
	PartnerID  string `json:"partner_id,omitempty"`
}

// Stats is a point-in-time view used for health checks and gauges.
type Stats struct {
	Waiting        int64 `json:"queueSize"`
	ActiveSessions int64 `json:"activeSessions"`
}

// Store is the queue and session storage used by the matcher, the reaper and
// the HTTP API. Every method is individually atomic.
type Store interface {
	Enqueue(ctx context.Context, userID string, mode MatchMode, prefs json.RawMessage) (*WaitingEntry, error)
	Dequeue(ctx context.Context, userID string) error
	Entry(ctx context.Context, userID string) (*WaitingEntry, error)
	// Candidates returns up to limit waiting entries other than userID, oldest
	// first.
	Candidates(ctx context.Context, userID string, limit int) ([]WaitingEntry, error)

	// CreateSession consumes both waiting entries and creates an active
	// session in one transaction.
	CreateSession(ctx context.Context, userA, userB string) (*ChatSession, error)
	// EndSession ends the session and reports whether this call performed the
	// transition. Ending an ended session is a no-op that returns the stored
	// session unchanged and false.
	EndSession(ctx context.Context, sessionID, endedBy string) (*ChatSession, bool, error)
	FindActiveSession(ctx context.Context, userID string) (*ChatSession, error)
	Session(ctx context.Context, sessionID string) (*ChatSession, error)

	// Buddies returns the ids of accepted connections of userID.
	Buddies(ctx context.Context, userID string) ([]string, error)

	// ReapWaiting deletes entries that joined before olderThan and returns
	// the evicted user ids.
	ReapWaiting(ctx context.Context, olderThan time.Time) ([]string, error)
	// ReapSessions ends active sessions started before startedBefore with
	// EndedBySystem and returns them as stored after the update.
	ReapSessions(ctx context.Context, startedBefore time.Time) ([]ChatSession, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
