package users

import (
	"context"

	"github.com/antoniostano/discomi/internal/database"
)

// NewDirectory creates a directory on the same backend as the session store.
func NewDirectory(ctx context.Context, databaseURL string) (Directory, error) {
	switch database.DriverFor(databaseURL) {
	case database.DriverPostgres:
		return NewPostgresDirectory(ctx, databaseURL)
	case database.DriverSQLite:
		return NewSQLiteDirectory(ctx, databaseURL)
	default:
		return NewInMemoryDirectory(), nil
	}
}
