package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness lets the same behavioural tests run against every Store.
type harness struct {
	newStore   func(t *testing.T) Store
	addBuddies func(t *testing.T, s Store, a, b string)
}

func runStoreTests(t *testing.T, h harness) {
	ctx := context.Background()

	t.Run("enqueue rejects duplicates", func(t *testing.T) {
		s := h.newStore(t)
		prefs := json.RawMessage(`{"topic":"calculus"}`)

		entry, err := s.Enqueue(ctx, "alice", ModeGlobal, prefs)
		require.NoError(t, err)
		assert.Equal(t, "alice", entry.UserID)
		assert.False(t, entry.JoinedAt.IsZero())

		_, err = s.Enqueue(ctx, "alice", ModeBuddiesFirst, nil)
		assert.ErrorIs(t, err, ErrAlreadyQueued)

		got, err := s.Entry(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, ModeGlobal, got.MatchMode)
		assert.JSONEq(t, string(prefs), string(got.Preferences))
	})

	t.Run("dequeue is idempotent", func(t *testing.T) {
		s := h.newStore(t)
		_, err := s.Enqueue(ctx, "bob", ModeGlobal, nil)
		require.NoError(t, err)

		require.NoError(t, s.Dequeue(ctx, "bob"))
		require.NoError(t, s.Dequeue(ctx, "bob"))
		require.NoError(t, s.Dequeue(ctx, "never-queued"))

		_, err = s.Entry(ctx, "bob")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("candidates are oldest first and exclude the requester", func(t *testing.T) {
		s := h.newStore(t)
		for _, id := range []string{"a", "b", "c"} {
			_, err := s.Enqueue(ctx, id, ModeGlobal, nil)
			require.NoError(t, err)
		}

		got, err := s.Candidates(ctx, "d", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, userIDs(got))

		got, err = s.Candidates(ctx, "b", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, userIDs(got))

		got, err = s.Candidates(ctx, "d", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, userIDs(got))
	})

	t.Run("create session consumes both entries once", func(t *testing.T) {
		s := h.newStore(t)
		enqueueAll(t, s, "x", "y")

		sess, err := s.CreateSession(ctx, "x", "y")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, sess.Status)
		assert.Equal(t, "y", sess.Partner("x"))
		assert.Equal(t, "x", sess.Partner("y"))

		_, err = s.Entry(ctx, "x")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Entry(ctx, "y")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.CreateSession(ctx, "x", "y")
		assert.ErrorIs(t, err, ErrConcurrentModification)

		for _, id := range []string{"x", "y"} {
			active, err := s.FindActiveSession(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, sess.ID, active.ID)
		}
	})

	t.Run("create session rejects self pairing", func(t *testing.T) {
		s := h.newStore(t)
		enqueueAll(t, s, "solo")
		_, err := s.CreateSession(ctx, "solo", "solo")
		assert.ErrorIs(t, err, ErrSelfMatch)
	})

	t.Run("a user has at most one active session", func(t *testing.T) {
		s := h.newStore(t)
		enqueueAll(t, s, "a", "b")
		_, err := s.CreateSession(ctx, "a", "b")
		require.NoError(t, err)

		// a re-queues without ending the first session.
		enqueueAll(t, s, "a", "c")
		_, err = s.CreateSession(ctx, "c", "a")
		assert.ErrorIs(t, err, ErrConcurrentModification)

		_, err = s.Entry(ctx, "c")
		assert.NoError(t, err, "failed pairing must not consume entries")
	})

	t.Run("concurrent pairings for one user form exactly one session", func(t *testing.T) {
		s := h.newStore(t)
		enqueueAll(t, s, "hot", "p1", "p2", "p3", "p4", "p5")

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for _, partner := range []string{"p1", "p2", "p3", "p4", "p5"} {
			wg.Add(1)
			go func(partner string) {
				defer wg.Done()
				_, err := s.CreateSession(ctx, "hot", partner)
				if err == nil {
					mu.Lock()
					success++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrConcurrentModification) {
					t.Errorf("unexpected error: %v", err)
				}
			}(partner)
		}
		wg.Wait()

		assert.Equal(t, 1, success)
		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.ActiveSessions)
		assert.Equal(t, int64(4), st.Waiting)
	})

	t.Run("end session is a no-op once ended", func(t *testing.T) {
		s := h.newStore(t)
		enqueueAll(t, s, "m", "n")
		sess, err := s.CreateSession(ctx, "m", "n")
		require.NoError(t, err)

		ended, changed, err := s.EndSession(ctx, sess.ID, "m")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, StatusEnded, ended.Status)
		assert.Equal(t, "m", ended.EndedBy)
		require.NotNil(t, ended.EndedAt)

		again, changed, err := s.EndSession(ctx, sess.ID, "n")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, "m", again.EndedBy)

		_, err = s.FindActiveSession(ctx, "m")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("end unknown session", func(t *testing.T) {
		s := h.newStore(t)
		_, _, err := s.EndSession(ctx, "00000000-0000-0000-0000-000000000000", "m")
		assert.ErrorIs(t, err, ErrNotFound)
		_, _, err = s.EndSession(ctx, "not-a-uuid", "m")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("reap removes stale entries and sessions", func(t *testing.T) {
		s := h.newStore(t)
		enqueueAll(t, s, "old1", "old2", "pair1", "pair2")
		sess, err := s.CreateSession(ctx, "pair1", "pair2")
		require.NoError(t, err)

		evicted, err := s.ReapWaiting(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"old1", "old2"}, evicted)

		ended, err := s.ReapSessions(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, ended, 1)
		assert.Equal(t, sess.ID, ended[0].ID)
		assert.Equal(t, StatusEnded, ended[0].Status)
		assert.ElementsMatch(t, []string{"pair1", "pair2"}, []string{ended[0].User1ID, ended[0].User2ID})

		got, err := s.Session(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusEnded, got.Status)
		assert.Equal(t, EndedBySystem, got.EndedBy)

		evicted, err = s.ReapWaiting(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, evicted)
		ended, err = s.ReapSessions(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, ended)
	})

	t.Run("reap keeps fresh rows", func(t *testing.T) {
		s := h.newStore(t)
		enqueueAll(t, s, "fresh")
		evicted, err := s.ReapWaiting(ctx, time.Now().Add(-5*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, evicted)
		_, err = s.Entry(ctx, "fresh")
		assert.NoError(t, err)
	})

	t.Run("buddies are symmetric", func(t *testing.T) {
		s := h.newStore(t)
		h.addBuddies(t, s, "ana", "ben")
		h.addBuddies(t, s, "cy", "ana")

		got, err := s.Buddies(ctx, "ana")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"ben", "cy"}, got)

		got, err = s.Buddies(ctx, "ben")
		require.NoError(t, err)
		assert.Equal(t, []string{"ana"}, got)
	})
}

func enqueueAll(t *testing.T, s Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := s.Enqueue(context.Background(), id, ModeGlobal, nil)
		require.NoError(t, err)
	}
}

func userIDs(entries []WaitingEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	return ids
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, harness{
		newStore: func(t *testing.T) Store { return NewMemory() },
		addBuddies: func(t *testing.T, s Store, a, b string) {
			s.(*Memory).AddBuddies(a, b)
		},
	})
}

func TestMemoryStore_TieBreakBySeq(t *testing.T) {
	m := NewMemory()
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return fixed })

	enqueueAll(t, m, "first", "second", "third")

	got, err := m.Candidates(context.Background(), "zzz", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, userIDs(got))
}

func TestParseMatchMode(t *testing.T) {
	assert.Equal(t, ModeBuddiesFirst, ParseMatchMode("buddies_first"))
	assert.Equal(t, ModeGlobal, ParseMatchMode("global"))
	assert.Equal(t, ModeGlobal, ParseMatchMode(""))
	assert.Equal(t, ModeGlobal, ParseMatchMode("friends"))
}
