package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store for local development and tests. A single
// mutex makes every operation atomic, so CreateSession needs no row claims.
type Memory struct {
	mu       sync.Mutex
	queue    map[string]*WaitingEntry
	sessions map[string]*ChatSession
	active   map[string]string // user_id -> active session id
	buddies  map[string]map[string]struct{}
	seq      int64
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		queue:    make(map[string]*WaitingEntry),
		sessions: make(map[string]*ChatSession),
		active:   make(map[string]string),
		buddies:  make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests to age entries.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// AddBuddies records an accepted connection between a and b.
func (m *Memory) AddBuddies(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link := func(x, y string) {
		set, ok := m.buddies[x]
		if !ok {
			set = make(map[string]struct{})
			m.buddies[x] = set
		}
		set[y] = struct{}{}
	}
	link(a, b)
	link(b, a)
}

func (m *Memory) Enqueue(_ context.Context, userID string, mode MatchMode, prefs json.RawMessage) (*WaitingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queue[userID]; ok {
		return nil, ErrAlreadyQueued
	}
	m.seq++
	entry := &WaitingEntry{
		UserID:      userID,
		JoinedAt:    m.now().UTC(),
		MatchMode:   mode,
		Preferences: cloneRaw(prefs),
		Seq:         m.seq,
	}
	m.queue[userID] = entry
	out := *entry
	return &out, nil
}

func (m *Memory) Dequeue(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.queue, userID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Entry(_ context.Context, userID string) (*WaitingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.queue[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *entry
	return &out, nil
}

func (m *Memory) Candidates(_ context.Context, userID string, limit int) ([]WaitingEntry, error) {
	m.mu.Lock()
	entries := make([]WaitingEntry, 0, len(m.queue))
	for id, e := range m.queue {
		if id == userID {
			continue
		}
		entries = append(entries, *e)
	}
	m.mu.Unlock()

	sortFIFO(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *Memory) CreateSession(_ context.Context, userA, userB string) (*ChatSession, error) {
	if userA == userB {
		return nil, ErrSelfMatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queue[userA]; !ok {
		return nil, ErrConcurrentModification
	}
	if _, ok := m.queue[userB]; !ok {
		return nil, ErrConcurrentModification
	}
	if m.active[userA] != "" || m.active[userB] != "" {
		return nil, ErrConcurrentModification
	}

	sess := &ChatSession{
		ID:        uuid.New().String(),
		User1ID:   userA,
		User2ID:   userB,
		Status:    StatusActive,
		StartedAt: m.now().UTC(),
	}
	m.sessions[sess.ID] = sess
	m.active[userA] = sess.ID
	m.active[userB] = sess.ID
	delete(m.queue, userA)
	delete(m.queue, userB)

	out := *sess
	return &out, nil
}

func (m *Memory) EndSession(_ context.Context, sessionID, endedBy string) (*ChatSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !sess.Active() {
		out := *sess
		return &out, false, nil
	}
	m.endLocked(sess, endedBy)
	out := *sess
	return &out, true, nil
}

func (m *Memory) endLocked(sess *ChatSession, endedBy string) {
	now := m.now().UTC()
	sess.Status = StatusEnded
	sess.EndedAt = &now
	sess.EndedBy = endedBy
	if m.active[sess.User1ID] == sess.ID {
		delete(m.active, sess.User1ID)
	}
	if m.active[sess.User2ID] == sess.ID {
		delete(m.active, sess.User2ID)
	}
}

func (m *Memory) FindActiveSession(_ context.Context, userID string) (*ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.active[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m.sessions[id]
	return &out, nil
}

func (m *Memory) Session(_ context.Context, sessionID string) (*ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sess
	return &out, nil
}

func (m *Memory) Buddies(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.buddies[userID]))
	for id := range m.buddies[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ReapWaiting(_ context.Context, olderThan time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, e := range m.queue {
		if e.JoinedAt.Before(olderThan) {
			delete(m.queue, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ReapSessions(_ context.Context, startedBefore time.Time) ([]ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ended []ChatSession
	for _, sess := range m.sessions {
		if sess.Active() && sess.StartedAt.Before(startedBefore) {
			m.endLocked(sess, EndedBySystem)
			ended = append(ended, *sess)
		}
	}
	sort.Slice(ended, func(i, j int) bool { return ended[i].StartedAt.Before(ended[j].StartedAt) })
	return ended, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Waiting:        int64(len(m.queue)),
		ActiveSessions: int64(len(m.active) / 2),
	}, nil
}

func (m *Memory) Close() error { return nil }

func sortFIFO(entries []WaitingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].Seq < entries[j].Seq
	})
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
