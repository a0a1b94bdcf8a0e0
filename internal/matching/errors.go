package matching

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited matches any *RateLimitedError.
	ErrRateLimited = errors.New("matching: rate limited")

	ErrSessionNotFound = errors.New("matching: session not found")
	ErrNotParticipant  = errors.New("matching: user is not a participant of the session")
	ErrNoActiveSession = errors.New("matching: no active session")
)

// RateLimitedError is returned by JoinQueue when the caller is over budget.
type RateLimitedError struct {
	RetryAfter time.Duration
	Remaining  int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("matching: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
