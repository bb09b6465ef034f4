package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/discomi/internal/database"
)

// SQLiteStore persists sessions in a local sqlite file. Timestamps are stored
// as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, databaseURL string) (*SQLiteStore, error) {
	db, err := database.OpenSQLite(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := initSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			fragments TEXT NOT NULL DEFAULT '[]',
			fragment_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			first_fragment_at INTEGER NOT NULL,
			last_fragment_at INTEGER NOT NULL,
			closed INTEGER NOT NULL DEFAULT 0,
			closed_at INTEGER NULL,
			close_reason TEXT NOT NULL DEFAULT '',
			flush_lease_until INTEGER NULL,
			flush_attempts INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transcript_sessions_open_user
			ON transcript_sessions (user_id) WHERE closed = 0;`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_sessions_idle_rank
			ON transcript_sessions (flush_attempts, last_fragment_at) WHERE closed = 0;`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_sessions_closed_at
			ON transcript_sessions (closed_at) WHERE closed = 1;`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (Session, error) {
	return s.get(ctx, s.db, sessionID)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q sqliteQuerier, sessionID string) (Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM transcript_sessions WHERE id = ?`, sessionID)
	out, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ActiveForUser(ctx context.Context, userID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM transcript_sessions
		 WHERE user_id = ? AND closed = 0
		 ORDER BY last_fragment_at DESC
		 LIMIT 1`,
		userID,
	)
	out, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("active session: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Create(ctx context.Context, in Session) (Session, bool, error) {
	if err := in.Validate(); err != nil {
		return Session{}, false, err
	}
	fragments, err := json.Marshal(nonNilFragments(in.Fragments))
	if err != nil {
		return Session{}, false, fmt.Errorf("encode fragments: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript_sessions (
			id, user_id, fragments, fragment_count, created_at, first_fragment_at, last_fragment_at, closed
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT DO NOTHING`,
		in.ID,
		in.UserID,
		string(fragments),
		len(in.Fragments),
		in.CreatedAt.UnixMilli(),
		in.FirstFragmentAt.UnixMilli(),
		in.LastFragmentAt.UnixMilli(),
	)
	if err != nil {
		return Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		stored, err := s.Get(ctx, in.ID)
		return stored, true, err
	}
	existing, err := s.ActiveForUser(ctx, in.UserID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, ErrConflict
	}
	if err != nil {
		return Session{}, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, frag Fragment, at time.Time, maxFragments int) (Session, error) {
	encoded, err := json.Marshal(frag)
	if err != nil {
		return Session{}, fmt.Errorf("encode fragment: %w", err)
	}
	if maxFragments <= 0 {
		maxFragments = int(^uint32(0) >> 1)
	}
	ts := at.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcript_sessions SET
			fragments = json_insert(fragments, '$[#]', json(?)),
			fragment_count = fragment_count + 1,
			first_fragment_at = CASE WHEN fragment_count = 0 THEN MAX(created_at, ?) ELSE first_fragment_at END,
			last_fragment_at = MAX(last_fragment_at, ?)
		 WHERE id = ? AND closed = 0 AND fragment_count < ?`,
		string(encoded), ts, ts, sessionID, maxFragments,
	)
	if err != nil {
		return Session{}, fmt.Errorf("append fragment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return s.Get(ctx, sessionID)
	}
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if current.Closed {
		return Session{}, ErrClosed
	}
	return Session{}, ErrFull
}

func (s *SQLiteStore) ClaimFlush(ctx context.Context, sessionID string, now, until time.Time) (Session, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcript_sessions SET flush_lease_until = ?
		 WHERE id = ? AND closed = 0 AND (flush_lease_until IS NULL OR flush_lease_until <= ?)`,
		until.UnixMilli(), sessionID, now.UnixMilli(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("claim flush: %w", err)
	}
	n, _ := res.RowsAffected()
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if n == 1 {
		return current, nil
	}
	if current.Closed {
		return Session{}, ErrClosed
	}
	return Session{}, ErrClaimed
}

func (s *SQLiteStore) ReleaseFlush(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transcript_sessions SET flush_lease_until = NULL, flush_attempts = flush_attempts + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("release flush: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Complete(ctx context.Context, sessionID string, delivered int, at time.Time, reason CloseReason, carryID string) (Closure, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Closure{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.get(ctx, tx, sessionID)
	if err != nil {
		return Closure{}, err
	}
	if current.Closed {
		return Closure{}, nil
	}

	kept, late := splitDelivered(current.Fragments, delivered)
	encoded, err := json.Marshal(kept)
	if err != nil {
		return Closure{}, fmt.Errorf("encode fragments: %w", err)
	}
	closedAt := maxTime(at.UTC(), current.LastFragmentAt)
	res, err := tx.ExecContext(ctx,
		`UPDATE transcript_sessions SET
			closed = 1, closed_at = ?, close_reason = ?, flush_lease_until = NULL,
			fragments = ?, fragment_count = ?
		 WHERE id = ? AND closed = 0`,
		closedAt.UnixMilli(), string(reason), string(encoded), len(kept), sessionID,
	)
	if err != nil {
		return Closure{}, fmt.Errorf("close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Closure{}, nil
	}

	closure := Closure{Closed: true}
	if len(late) > 0 && carryID != "" {
		carried := New(carryID, current.UserID, current.LastFragmentAt)
		carriedFragments, err := json.Marshal(late)
		if err != nil {
			return Closure{}, fmt.Errorf("encode carried fragments: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transcript_sessions (
				id, user_id, fragments, fragment_count, created_at, first_fragment_at, last_fragment_at, closed
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			carried.ID, carried.UserID, string(carriedFragments), len(late),
			carried.CreatedAt.UnixMilli(), carried.FirstFragmentAt.UnixMilli(), carried.LastFragmentAt.UnixMilli(),
		); err != nil {
			return Closure{}, fmt.Errorf("carry over fragments: %w", err)
		}
		closure.CarryOverID = carryID
	}

	if err := tx.Commit(); err != nil {
		return Closure{}, fmt.Errorf("commit close: %w", err)
	}
	return closure, nil
}

func (s *SQLiteStore) Abandon(ctx context.Context, sessionID string, at time.Time, reason CloseReason) (bool, error) {
	ts := at.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcript_sessions SET
			closed = 1, closed_at = MAX(?, last_fragment_at), close_reason = ?, flush_lease_until = NULL
		 WHERE id = ? AND closed = 0 AND (flush_lease_until IS NULL OR flush_lease_until <= ?)`,
		ts, string(reason), sessionID, ts,
	)
	if err != nil {
		return false, fmt.Errorf("abandon session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM transcript_sessions
		 WHERE closed = 0 AND last_fragment_at < ?
		 ORDER BY flush_attempts ASC, last_fragment_at ASC
		 LIMIT ?`,
		before.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	var malformed []string
	for rows.Next() {
		item, err := scanSQLiteSession(rows)
		if errors.Is(err, ErrMalformed) {
			malformed = append(malformed, item.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan idle session: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	// sqlite allows one writer; the cursor must be released first.
	rows.Close()

	now := time.Now().UnixMilli()
	for _, id := range malformed {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE transcript_sessions SET
				closed = 1, closed_at = MAX(?, last_fragment_at), close_reason = ?, flush_lease_until = NULL
			 WHERE id = ? AND closed = 0`,
			now, string(CloseMalformed), id,
		); err != nil {
			return nil, fmt.Errorf("close malformed session %s: %w", id, err)
		}
	}
	return out, nil
}

func (s *SQLiteStore) PurgeClosed(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcript_sessions WHERE closed = 1 AND closed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM transcript_sessions WHERE closed = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open sessions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row sqliteScanner) (Session, error) {
	var (
		out                        Session
		fragments                  string
		createdAt, firstAt, lastAt int64
		closed                     int
		closedAt, leaseUntil       sql.NullInt64
		reason                     string
		attempts                   int
	)
	if err := row.Scan(
		&out.ID,
		&out.UserID,
		&fragments,
		&createdAt,
		&firstAt,
		&lastAt,
		&closed,
		&closedAt,
		&reason,
		&leaseUntil,
		&attempts,
	); err != nil {
		return Session{}, err
	}
	out.FlushAttempts = attempts
	out.CreatedAt = time.UnixMilli(createdAt)
	out.FirstFragmentAt = time.UnixMilli(firstAt)
	out.LastFragmentAt = time.UnixMilli(lastAt)
	out.Closed = closed != 0
	out.CloseReason = CloseReason(reason)
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64)
		out.ClosedAt = &t
	}
	if leaseUntil.Valid {
		t := time.UnixMilli(leaseUntil.Int64)
		out.FlushLeaseUntil = &t
	}
	if err := decodeFragments([]byte(fragments), &out); err != nil {
		return Session{ID: out.ID}, err
	}
	return normalizeLoaded(out)
}
