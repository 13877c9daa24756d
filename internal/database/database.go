// Package database persists security events in SQL. SQLite is the default
// store; PostgreSQL and MySQL are compiled in with the postgres and mysql
// build tags.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// DB represents the database connection.
type DB struct {
	db     *sql.DB
	driver DriverType
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// DB returns the underlying sql.DB instance.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Driver returns the driver the connection was opened with.
func (d *DB) Driver() DriverType {
	return d.driver
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("database is nil")
	}
	return d.db.PingContext(ctx)
}

// Transaction executes fn within a transaction.
func (d *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("database is nil")
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ensureDirExists creates the directory if it doesn't exist.
func ensureDirExists(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0755)
	} else if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s exists and is not a directory", dir)
	}
	return nil
}
