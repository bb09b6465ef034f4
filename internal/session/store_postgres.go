package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/discomi/internal/database"
)

// PostgresStore persists sessions in PostgreSQL. Fragments live in a jsonb
// array next to a denormalised count so the size cap can be enforced in the
// same conditional UPDATE that appends.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const sessionColumns = `id, user_id, fragments, created_at, first_fragment_at, last_fragment_at,
	closed, closed_at, close_reason, flush_lease_until, flush_attempts`

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := database.OpenPostgres(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			fragments JSONB NOT NULL DEFAULT '[]'::jsonb,
			fragment_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			first_fragment_at TIMESTAMPTZ NOT NULL,
			last_fragment_at TIMESTAMPTZ NOT NULL,
			closed BOOLEAN NOT NULL DEFAULT FALSE,
			closed_at TIMESTAMPTZ NULL,
			close_reason TEXT NOT NULL DEFAULT '',
			flush_lease_until TIMESTAMPTZ NULL,
			flush_attempts INTEGER NOT NULL DEFAULT 0
		);`,
		`ALTER TABLE transcript_sessions ADD COLUMN IF NOT EXISTS flush_attempts INTEGER NOT NULL DEFAULT 0;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transcript_sessions_open_user
			ON transcript_sessions (user_id) WHERE NOT closed;`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_sessions_idle_rank
			ON transcript_sessions (flush_attempts, last_fragment_at) WHERE NOT closed;`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_sessions_closed_at
			ON transcript_sessions (closed_at) WHERE closed;`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM transcript_sessions WHERE id=$1`, sessionID)
	out, err := scanPostgresSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ActiveForUser(ctx context.Context, userID string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM transcript_sessions
		 WHERE user_id=$1 AND NOT closed
		 ORDER BY last_fragment_at DESC
		 LIMIT 1`,
		userID,
	)
	out, err := scanPostgresSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("active session: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, in Session) (Session, bool, error) {
	if err := in.Validate(); err != nil {
		return Session{}, false, err
	}
	fragments, err := json.Marshal(nonNilFragments(in.Fragments))
	if err != nil {
		return Session{}, false, fmt.Errorf("encode fragments: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_sessions (
			id, user_id, fragments, fragment_count, created_at, first_fragment_at, last_fragment_at, closed
		) VALUES ($1, $2, $3::text::jsonb, $4, $5, $6, $7, FALSE)
		ON CONFLICT DO NOTHING`,
		in.ID,
		in.UserID,
		string(fragments),
		len(in.Fragments),
		in.CreatedAt.UTC(),
		in.FirstFragmentAt.UTC(),
		in.LastFragmentAt.UTC(),
	)
	if err != nil {
		return Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		stored, err := s.Get(ctx, in.ID)
		return stored, true, err
	}
	existing, err := s.ActiveForUser(ctx, in.UserID)
	if errors.Is(err, ErrNotFound) {
		// The competing open session closed between our insert and this read.
		return Session{}, false, ErrConflict
	}
	if err != nil {
		return Session{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, frag Fragment, at time.Time, maxFragments int) (Session, error) {
	encoded, err := json.Marshal(frag)
	if err != nil {
		return Session{}, fmt.Errorf("encode fragment: %w", err)
	}
	if maxFragments <= 0 {
		maxFragments = int(^uint32(0) >> 1)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE transcript_sessions SET
			fragments = fragments || jsonb_build_array($2::text::jsonb),
			fragment_count = fragment_count + 1,
			first_fragment_at = CASE WHEN fragment_count = 0 THEN GREATEST(created_at, $3) ELSE first_fragment_at END,
			last_fragment_at = GREATEST(last_fragment_at, $3)
		 WHERE id=$1 AND NOT closed AND fragment_count < $4
		 RETURNING `+sessionColumns,
		sessionID,
		string(encoded),
		at.UTC(),
		maxFragments,
	)
	out, err := scanPostgresSession(row)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("append fragment: %w", err)
	}
	return Session{}, s.appendFailure(ctx, sessionID)
}

func (s *PostgresStore) appendFailure(ctx context.Context, sessionID string) error {
	var closed bool
	err := s.pool.QueryRow(ctx, `SELECT closed FROM transcript_sessions WHERE id=$1`, sessionID).Scan(&closed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("append fragment: %w", err)
	}
	if closed {
		return ErrClosed
	}
	return ErrFull
}

func (s *PostgresStore) ClaimFlush(ctx context.Context, sessionID string, now, until time.Time) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE transcript_sessions SET flush_lease_until=$3
		 WHERE id=$1 AND NOT closed AND (flush_lease_until IS NULL OR flush_lease_until <= $2)
		 RETURNING `+sessionColumns,
		sessionID,
		now.UTC(),
		until.UTC(),
	)
	out, err := scanPostgresSession(row)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("claim flush: %w", err)
	}
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if current.Closed {
		return Session{}, ErrClosed
	}
	return Session{}, ErrClaimed
}

func (s *PostgresStore) ReleaseFlush(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE transcript_sessions SET flush_lease_until=NULL, flush_attempts=flush_attempts+1 WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("release flush: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, sessionID string, delivered int, at time.Time, reason CloseReason, carryID string) (Closure, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Closure{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM transcript_sessions WHERE id=$1 FOR UPDATE`, sessionID)
	current, err := scanPostgresSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Closure{}, ErrNotFound
	}
	if err != nil {
		return Closure{}, fmt.Errorf("lock session: %w", err)
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
	if _, err := tx.Exec(ctx,
		`UPDATE transcript_sessions SET
			closed=TRUE, closed_at=$2, close_reason=$3, flush_lease_until=NULL,
			fragments=$4::text::jsonb, fragment_count=$5
		 WHERE id=$1`,
		sessionID, closedAt, string(reason), string(encoded), len(kept),
	); err != nil {
		return Closure{}, fmt.Errorf("close session: %w", err)
	}

	closure := Closure{Closed: true}
	if len(late) > 0 && carryID != "" {
		carried := New(carryID, current.UserID, current.LastFragmentAt)
		carriedFragments, err := json.Marshal(late)
		if err != nil {
			return Closure{}, fmt.Errorf("encode carried fragments: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO transcript_sessions (
				id, user_id, fragments, fragment_count, created_at, first_fragment_at, last_fragment_at, closed
			) VALUES ($1, $2, $3::text::jsonb, $4, $5, $6, $7, FALSE)`,
			carried.ID, carried.UserID, string(carriedFragments), len(late),
			carried.CreatedAt, carried.FirstFragmentAt, carried.LastFragmentAt,
		); err != nil {
			return Closure{}, fmt.Errorf("carry over fragments: %w", err)
		}
		closure.CarryOverID = carryID
	}

	if err := tx.Commit(ctx); err != nil {
		return Closure{}, fmt.Errorf("commit close: %w", err)
	}
	return closure, nil
}

func (s *PostgresStore) Abandon(ctx context.Context, sessionID string, at time.Time, reason CloseReason) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transcript_sessions SET
			closed=TRUE, closed_at=GREATEST($2, last_fragment_at), close_reason=$3, flush_lease_until=NULL
		 WHERE id=$1 AND NOT closed AND (flush_lease_until IS NULL OR flush_lease_until <= $2)`,
		sessionID, at.UTC(), string(reason),
	)
	if err != nil {
		return false, fmt.Errorf("abandon session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM transcript_sessions
		 WHERE NOT closed AND last_fragment_at < $1
		 ORDER BY flush_attempts ASC, last_fragment_at ASC
		 LIMIT $2`,
		before.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	var malformed []string
	for rows.Next() {
		item, err := scanPostgresSession(rows)
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
	rows.Close()

	if len(malformed) > 0 {
		if _, err := s.pool.Exec(ctx,
			`UPDATE transcript_sessions SET
				closed=TRUE, closed_at=GREATEST($2, last_fragment_at), close_reason=$3, flush_lease_until=NULL
			 WHERE id = ANY($1) AND NOT closed`,
			malformed, time.Now().UTC(), string(CloseMalformed),
		); err != nil {
			return nil, fmt.Errorf("close malformed sessions: %w", err)
		}
	}
	return out, nil
}

func (s *PostgresStore) PurgeClosed(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transcript_sessions WHERE closed AND closed_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM transcript_sessions WHERE NOT closed`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open sessions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresSession(row pgx.Row) (Session, error) {
	var (
		out       Session
		fragments []byte
		reason    string
	)
	if err := row.Scan(
		&out.ID,
		&out.UserID,
		&fragments,
		&out.CreatedAt,
		&out.FirstFragmentAt,
		&out.LastFragmentAt,
		&out.Closed,
		&out.ClosedAt,
		&reason,
		&out.FlushLeaseUntil,
		&out.FlushAttempts,
	); err != nil {
		return Session{}, err
	}
	out.CloseReason = CloseReason(reason)
	if err := decodeFragments(fragments, &out); err != nil {
		return Session{ID: out.ID}, err
	}
	return normalizeLoaded(out)
}
