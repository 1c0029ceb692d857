package state

import (
	"context"
	"strings"

	"github.com/flowdeck/pulse/internal/core"
)

// Open creates the store backend selected by the DSN. A postgres:// or
// postgresql:// URL opens a pgx pool; anything else is treated as a SQLite
// file path.
func Open(ctx context.Context, dsn string) (core.Store, error) {
	if IsPostgresDSN(dsn) {
		return NewPostgresStore(ctx, dsn)
	}
	return NewSQLiteStore(dsn)
}

// IsPostgresDSN reports whether the DSN selects the PostgreSQL backend.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
