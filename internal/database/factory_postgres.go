//go:build postgres

package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// newPostgresDB creates a PostgreSQL connection through pgx.
func newPostgresDB(ctx context.Context, config FullConfig) (*DB, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for PostgreSQL driver")
	}

	db, err := sql.Open("pgx", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	return finishOpen(ctx, db, config, DriverPostgres)
}
