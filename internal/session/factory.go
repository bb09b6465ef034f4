package session

import (
	"context"

	"github.com/antoniostano/discomi/internal/database"
)

// NewStore picks the backend named by databaseURL: postgres, sqlite, or
// in-memory when the URL is empty.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	switch database.DriverFor(databaseURL) {
	case database.DriverPostgres:
		return NewPostgresStore(ctx, databaseURL)
	case database.DriverSQLite:
		return NewSQLiteStore(ctx, databaseURL)
	default:
		return NewInMemoryStore(), nil
	}
}
