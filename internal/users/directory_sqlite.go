package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/discomi/internal/database"
)

type SQLiteDirectory struct {
	db *sql.DB
}

func NewSQLiteDirectory(ctx context.Context, databaseURL string) (*SQLiteDirectory, error) {
	db, err := database.OpenSQLite(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	const schema = `CREATE TABLE IF NOT EXISTS user_configs (
		uid TEXT PRIMARY KEY,
		webhook_url TEXT NOT NULL,
		store_keyword TEXT NOT NULL DEFAULT '',
		start_keyword TEXT NOT NULL DEFAULT '',
		custom_terms TEXT NOT NULL DEFAULT '[]',
		include_transcript INTEGER NOT NULL DEFAULT 0,
		max_chars INTEGER NOT NULL DEFAULT 0,
		disabled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init user schema: %w", err)
	}
	return &SQLiteDirectory{db: db}, nil
}

func (d *SQLiteDirectory) Get(ctx context.Context, userID string) (Config, error) {
	var (
		cfg                  Config
		terms                string
		include, disabled    int
		createdAt, updatedAt int64
	)
	err := d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user_configs WHERE uid = ?`, strings.TrimSpace(userID)).Scan(
		&cfg.UserID,
		&cfg.WebhookURL,
		&cfg.StoreKeyword,
		&cfg.StartKeyword,
		&terms,
		&include,
		&cfg.MaxChars,
		&disabled,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, fmt.Errorf("get user config: %w", err)
	}
	if err := json.Unmarshal([]byte(terms), &cfg.CustomTerms); err != nil {
		return Config{}, fmt.Errorf("decode custom terms for %s: %w", cfg.UserID, err)
	}
	cfg.IncludeTranscript = include != 0
	cfg.Disabled = disabled != 0
	cfg.CreatedAt = time.UnixMilli(createdAt).UTC()
	cfg.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return cloneConfig(cfg), nil
}

func (d *SQLiteDirectory) Upsert(ctx context.Context, cfg Config) (Config, error) {
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	terms, err := json.Marshal(normalizeTerms(cfg.CustomTerms))
	if err != nil {
		return Config{}, fmt.Errorf("encode custom terms: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO user_configs (
			uid, webhook_url, store_keyword, start_keyword, custom_terms,
			include_transcript, max_chars, disabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			webhook_url = excluded.webhook_url,
			store_keyword = excluded.store_keyword,
			start_keyword = excluded.start_keyword,
			custom_terms = excluded.custom_terms,
			include_transcript = excluded.include_transcript,
			max_chars = excluded.max_chars,
			updated_at = excluded.updated_at`,
		cfg.UserID,
		cfg.WebhookURL,
		cfg.StoreKeyword,
		cfg.StartKeyword,
		string(terms),
		boolToInt(cfg.IncludeTranscript),
		cfg.MaxChars,
		now,
		now,
	)
	if err != nil {
		return Config{}, fmt.Errorf("upsert user config: %w", err)
	}
	return d.Get(ctx, cfg.UserID)
}

func (d *SQLiteDirectory) SetDisabled(ctx context.Context, userID string, disabled bool) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE user_configs SET disabled = ?, updated_at = ? WHERE uid = ?`,
		boolToInt(disabled), time.Now().UnixMilli(), strings.TrimSpace(userID),
	)
	if err != nil {
		return fmt.Errorf("set user disabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
