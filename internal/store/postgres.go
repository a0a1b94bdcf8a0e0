package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres error codes the store translates.
const (
	pqUniqueViolation     = "23505"
	pqInvalidTextRepr     = "22P02"
	pqSerializationFailed = "40001"
)

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Postgres is the production Store backed by the waiting_queue and
// chat_sessions tables.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres opens a pool and verifies connectivity.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*Postgres, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}

// DB exposes the handle for health checks.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) Enqueue(ctx context.Context, userID string, mode MatchMode, prefs json.RawMessage) (*WaitingEntry, error) {
	const query = `
		INSERT INTO waiting_queue (user_id, match_mode, preferences)
		VALUES ($1, $2, $3)
		RETURNING seq, joined_at`

	var prefsArg interface{}
	if len(prefs) > 0 {
		prefsArg = []byte(prefs)
	}

	entry := &WaitingEntry{UserID: userID, MatchMode: mode, Preferences: cloneRaw(prefs)}
	err := p.db.QueryRowContext(ctx, query, userID, string(mode), prefsArg).Scan(&entry.Seq, &entry.JoinedAt)
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return nil, ErrAlreadyQueued
		}
		return nil, fmt.Errorf("store: enqueue: %w", err)
	}
	return entry, nil
}

func (p *Postgres) Dequeue(ctx context.Context, userID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM waiting_queue WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("store: dequeue: %w", err)
	}
	return nil
}

func (p *Postgres) Entry(ctx context.Context, userID string) (*WaitingEntry, error) {
	const query = `
		SELECT user_id, seq, joined_at, match_mode, preferences
		FROM waiting_queue
		WHERE user_id = $1`

	entry, err := scanEntry(p.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: entry: %w", err)
	}
	return entry, nil
}

func (p *Postgres) Candidates(ctx context.Context, userID string, limit int) ([]WaitingEntry, error) {
	const query = `
		SELECT user_id, seq, joined_at, match_mode, preferences
		FROM waiting_queue
		WHERE user_id <> $1
		ORDER BY joined_at ASC, seq ASC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: candidates: %w", err)
	}
	defer rows.Close()

	var entries []WaitingEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: candidates scan: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: candidates: %w", err)
	}
	return entries, nil
}

// CreateSession claims both queue rows with FOR UPDATE SKIP LOCKED. A row
// that is gone or held by a concurrent matcher yields
// ErrConcurrentModification instead of blocking.
func (p *Postgres) CreateSession(ctx context.Context, userA, userB string) (*ChatSession, error) {
	if userA == userB {
		return nil, ErrSelfMatch
	}
	pair := pq.Array([]string{userA, userB})

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("store: create session: begin: %w", err)
	}
	defer tx.Rollback()

	var claimed int
	rows, err := tx.QueryContext(ctx, `
		SELECT user_id FROM waiting_queue
		WHERE user_id = ANY($1)
		FOR UPDATE SKIP LOCKED`, pair)
	if err != nil {
		return nil, fmt.Errorf("store: create session: claim: %w", err)
	}
	for rows.Next() {
		claimed++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: create session: claim: %w", err)
	}
	if claimed != 2 {
		return nil, ErrConcurrentModification
	}

	var busy int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_sessions
		WHERE status = 'active' AND (user1_id = ANY($1) OR user2_id = ANY($1))`, pair).Scan(&busy)
	if err != nil {
		return nil, fmt.Errorf("store: create session: check active: %w", err)
	}
	if busy > 0 {
		return nil, ErrConcurrentModification
	}

	sess := &ChatSession{
		ID:      uuid.New().String(),
		User1ID: userA,
		User2ID: userB,
		Status:  StatusActive,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO chat_sessions (id, user1_id, user2_id, status)
		VALUES ($1, $2, $3, 'active')
		RETURNING started_at`, sess.ID, userA, userB).Scan(&sess.StartedAt)
	if err != nil {
		if code := pqCode(err); code == pqUniqueViolation || code == pqSerializationFailed {
			return nil, ErrConcurrentModification
		}
		return nil, fmt.Errorf("store: create session: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM waiting_queue WHERE user_id = ANY($1)`, pair); err != nil {
		return nil, fmt.Errorf("store: create session: consume entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: create session: commit: %w", err)
	}
	return sess, nil
}

func (p *Postgres) EndSession(ctx context.Context, sessionID, endedBy string) (*ChatSession, bool, error) {
	const query = `
		UPDATE chat_sessions
		SET status = 'ended', ended_at = now(), ended_by = $2
		WHERE id = $1 AND status = 'active'
		RETURNING ` + sessionColumns

	sess, err := scanSession(p.db.QueryRowContext(ctx, query, sessionID, endedBy))
	switch {
	case err == nil:
		return sess, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := p.Session(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case pqCode(err) == pqInvalidTextRepr:
		return nil, false, ErrNotFound
	default:
		return nil, false, fmt.Errorf("store: end session: %w", err)
	}
}

func (p *Postgres) FindActiveSession(ctx context.Context, userID string) (*ChatSession, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM chat_sessions
		WHERE status = 'active' AND (user1_id = $1 OR user2_id = $1)
		ORDER BY started_at DESC
		LIMIT 1`

	sess, err := scanSession(p.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find active session: %w", err)
	}
	return sess, nil
}

func (p *Postgres) Session(ctx context.Context, sessionID string) (*ChatSession, error) {
	const query = `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE id = $1`

	sess, err := scanSession(p.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) || pqCode(err) == pqInvalidTextRepr {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: session: %w", err)
	}
	return sess, nil
}

func (p *Postgres) Buddies(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT CASE WHEN requester_id = $1 THEN receiver_id ELSE requester_id END
		FROM study_connections
		WHERE status = 'accepted' AND (requester_id = $1 OR receiver_id = $1)`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: buddies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: buddies scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: buddies: %w", err)
	}
	return ids, nil
}

func (p *Postgres) ReapWaiting(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`DELETE FROM waiting_queue WHERE joined_at < $1 RETURNING user_id`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("store: reap waiting: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: reap waiting scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: reap waiting: %w", err)
	}
	return ids, nil
}

func (p *Postgres) ReapSessions(ctx context.Context, startedBefore time.Time) ([]ChatSession, error) {
	const query = `
		UPDATE chat_sessions
		SET status = 'ended', ended_at = now(), ended_by = $2
		WHERE status = 'active' AND started_at < $1
		RETURNING ` + sessionColumns

	rows, err := p.db.QueryContext(ctx, query, startedBefore, EndedBySystem)
	if err != nil {
		return nil, fmt.Errorf("store: reap sessions: %w", err)
	}
	defer rows.Close()

	var ended []ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: reap sessions scan: %w", err)
		}
		ended = append(ended, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: reap sessions: %w", err)
	}
	return ended, nil
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM waiting_queue),
			(SELECT COUNT(*) FROM chat_sessions WHERE status = 'active')`

	var st Stats
	if err := p.db.QueryRowContext(ctx, query).Scan(&st.Waiting, &st.ActiveSessions); err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

const sessionColumns = `id, user1_id, user2_id, status, started_at, ended_at, ended_by`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*WaitingEntry, error) {
	var (
		entry WaitingEntry
		mode  string
		prefs []byte
	)
	if err := row.Scan(&entry.UserID, &entry.Seq, &entry.JoinedAt, &mode, &prefs); err != nil {
		return nil, err
	}
	entry.MatchMode = ParseMatchMode(mode)
	if len(prefs) > 0 {
		entry.Preferences = json.RawMessage(prefs)
	}
	return &entry, nil
}

func scanSession(row rowScanner) (*ChatSession, error) {
	var (
		sess    ChatSession
		endedAt sql.NullTime
		endedBy sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.User1ID, &sess.User2ID, &sess.Status, &sess.StartedAt, &endedAt, &endedBy); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	sess.EndedBy = endedBy.String
	return &sess, nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}
