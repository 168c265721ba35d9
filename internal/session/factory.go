package session

import (
	"context"
	"strings"
)

// NewStore picks Postgres when databaseURL is set, then SQLite when sqlitePath is set,
// and falls back to the in-memory store.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(sqlitePath) != "" {
		return NewSQLiteStore(ctx, sqlitePath)
	}
	return NewMemoryStore(), nil
}

// Backend names the store implementation for startup logs.
func Backend(store Store) string {
	switch store.(type) {
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	default:
		return "memory"
	}
}
