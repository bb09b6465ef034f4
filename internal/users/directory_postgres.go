package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/discomi/internal/database"
)

type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(ctx context.Context, databaseURL string) (*PostgresDirectory, error) {
	pool, err := database.OpenPostgres(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_configs (
			uid TEXT PRIMARY KEY,
			webhook_url TEXT NOT NULL,
			store_keyword TEXT NOT NULL DEFAULT '',
			start_keyword TEXT NOT NULL DEFAULT '',
			custom_terms TEXT[] NOT NULL DEFAULT '{}',
			include_transcript BOOLEAN NOT NULL DEFAULT FALSE,
			max_chars INTEGER NOT NULL DEFAULT 0,
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init user schema failed on %q: %w", stmt, err)
		}
	}
	return &PostgresDirectory{pool: pool}, nil
}

const userColumns = `uid, webhook_url, store_keyword, start_keyword, custom_terms,
	include_transcript, max_chars, disabled, created_at, updated_at`

func (d *PostgresDirectory) Get(ctx context.Context, userID string) (Config, error) {
	var cfg Config
	err := d.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM user_configs WHERE uid=$1`, strings.TrimSpace(userID)).Scan(
		&cfg.UserID,
		&cfg.WebhookURL,
		&cfg.StoreKeyword,
		&cfg.StartKeyword,
		&cfg.CustomTerms,
		&cfg.IncludeTranscript,
		&cfg.MaxChars,
		&cfg.Disabled,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, fmt.Errorf("get user config: %w", err)
	}
	return cloneConfig(cfg), nil
}

func (d *PostgresDirectory) Upsert(ctx context.Context, cfg Config) (Config, error) {
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	cfg.CustomTerms = normalizeTerms(cfg.CustomTerms)
	now := time.Now().UTC()
	_, err := d.pool.Exec(ctx,
		`INSERT INTO user_configs (
			uid, webhook_url, store_keyword, start_keyword, custom_terms,
			include_transcript, max_chars, disabled, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,$8,$8)
		ON CONFLICT (uid) DO UPDATE SET
			webhook_url=EXCLUDED.webhook_url,
			store_keyword=EXCLUDED.store_keyword,
			start_keyword=EXCLUDED.start_keyword,
			custom_terms=EXCLUDED.custom_terms,
			include_transcript=EXCLUDED.include_transcript,
			max_chars=EXCLUDED.max_chars,
			updated_at=EXCLUDED.updated_at`,
		cfg.UserID,
		cfg.WebhookURL,
		cfg.StoreKeyword,
		cfg.StartKeyword,
		cfg.CustomTerms,
		cfg.IncludeTranscript,
		cfg.MaxChars,
		now,
	)
	if err != nil {
		return Config{}, fmt.Errorf("upsert user config: %w", err)
	}
	return d.Get(ctx, cfg.UserID)
}

func (d *PostgresDirectory) SetDisabled(ctx context.Context, userID string, disabled bool) error {
	tag, err := d.pool.Exec(ctx,
		`UPDATE user_configs SET disabled=$2, updated_at=$3 WHERE uid=$1`,
		strings.TrimSpace(userID), disabled, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set user disabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *PostgresDirectory) Close() error {
	d.pool.Close()
	return nil
}
