//go:build mysql

package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// newMySQLDB creates a MySQL connection.
func newMySQLDB(ctx context.Context, config FullConfig) (*DB, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for MySQL driver")
	}

	db, err := sql.Open("mysql", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}
	return finishOpen(ctx, db, config, DriverMySQL)
}
