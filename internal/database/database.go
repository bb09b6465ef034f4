// Package database selects and opens the record store backend named by a
// DATABASE_URL value.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"
)

type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

const (
	sqliteDriverName = "sqlite"
	sqliteDSNOpt     = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
)

// DriverFor maps a database URL to its backend. An empty URL selects the
// in-memory backend.
func DriverFor(databaseURL string) Driver {
	u := strings.TrimSpace(databaseURL)
	switch {
	case u == "":
		return DriverMemory
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(u, "sqlite:"), strings.HasPrefix(u, "file:"),
		strings.HasSuffix(u, ".db"), strings.HasSuffix(u, ".sqlite"):
		return DriverSQLite
	default:
		return DriverPostgres
	}
}

// SQLitePath strips the scheme from a sqlite URL.
func SQLitePath(databaseURL string) string {
	u := strings.TrimSpace(databaseURL)
	for _, prefix := range []string{"sqlite://", "sqlite:", "file:"} {
		if strings.HasPrefix(u, prefix) {
			u = strings.TrimPrefix(u, prefix)
			break
		}
	}
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return u
}

func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// OpenSQLite opens a single-writer sqlite handle. Writes are serialised on
// one connection, so conditional updates never interleave.
func OpenSQLite(ctx context.Context, databaseURL string) (*sql.DB, error) {
	path := SQLitePath(databaseURL)
	if path == "" {
		return nil, fmt.Errorf("open sqlite: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("open sqlite: create dir: %w", err)
		}
	}
	db, err := sql.Open(sqliteDriverName, path+sqliteDSNOpt)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}
