package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sofatutor/deckguard/internal/database/migrations"

	_ "github.com/lib/pq"           // PostgreSQL driver for migrations
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DriverType represents the database driver type.
type DriverType string

const (
	// DriverSQLite represents the SQLite database driver.
	DriverSQLite DriverType = "sqlite"
	// DriverPostgres represents the PostgreSQL database driver.
	DriverPostgres DriverType = "postgres"
	// DriverMySQL represents the MySQL database driver.
	DriverMySQL DriverType = "mysql"
)

// ParseDriver maps a configuration value to a DriverType.
func ParseDriver(s string) (DriverType, error) {
	switch DriverType(s) {
	case DriverSQLite, "sqlite3", "":
		return DriverSQLite, nil
	case DriverPostgres, "postgresql":
		return DriverPostgres, nil
	case DriverMySQL:
		return DriverMySQL, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", s)
	}
}

// Dialect returns the goose dialect for the driver.
func (d DriverType) Dialect() string {
	switch d {
	case DriverPostgres:
		return migrations.DialectPostgres
	case DriverMySQL:
		return migrations.DialectMySQL
	default:
		return migrations.DialectSQLite
	}
}

// FullConfig contains the complete database configuration for all drivers.
type FullConfig struct {
	// Driver specifies which database driver to use (sqlite, postgres, mysql).
	Driver DriverType
	// Path is the path to the SQLite database file.
	Path string
	// DatabaseURL is the PostgreSQL or MySQL connection string. MySQL DSNs
	// need parseTime=true.
	DatabaseURL string
	// AutoMigrate applies pending migrations when the connection opens.
	AutoMigrate bool

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultFullConfig returns a default database configuration.
func DefaultFullConfig() FullConfig {
	return FullConfig{
		Driver:          DriverSQLite,
		Path:            "data/deckguard.db",
		AutoMigrate:     true,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// NewFromConfig opens the configured database and, when AutoMigrate is set,
// brings the schema up to date.
func NewFromConfig(ctx context.Context, config FullConfig) (*DB, error) {
	var (
		db  *DB
		err error
	)
	switch config.Driver {
	case DriverSQLite:
		db, err = newSQLiteDB(ctx, config)
	case DriverPostgres:
		db, err = newPostgresDB(ctx, config)
	case DriverMySQL:
		db, err = newMySQLDB(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
	if err != nil {
		return nil, err
	}

	if config.AutoMigrate {
		if err := db.Migrator().Up(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run %s migrations: %w", config.Driver, err)
		}
	}
	return db, nil
}

// OpenForMigrations opens a connection for the migrate command without
// touching the schema. PostgreSQL goes through lib/pq so migrations work in
// builds without the postgres tag.
func OpenForMigrations(ctx context.Context, config FullConfig) (*DB, error) {
	switch config.Driver {
	case DriverPostgres:
		if config.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for PostgreSQL driver")
		}
		db, err := sql.Open("postgres", config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
		}
		return finishOpen(ctx, db, config, DriverPostgres)
	default:
		config.AutoMigrate = false
		return NewFromConfig(ctx, config)
	}
}

// Migrator returns a migration runner for the connection's dialect.
func (d *DB) Migrator() *migrations.MigrationRunner {
	return migrations.ForDialect(d.db, d.driver.Dialect())
}

// newSQLiteDB creates a new SQLite database connection.
func newSQLiteDB(ctx context.Context, config FullConfig) (*DB, error) {
	if config.Path != ":memory:" {
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Timestamps are written in UTC; _loc=UTC parses them back as UTC.
	db, err := sql.Open("sqlite3", config.Path+"?_journal=WAL&_busy_timeout=5000&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// In-memory SQLite databases are per-connection.
	if config.Path == ":memory:" {
		config.MaxOpenConns = 1
		config.MaxIdleConns = 1
		config.ConnMaxLifetime = 0
	}
	return finishOpen(ctx, db, config, DriverSQLite)
}

func finishOpen(ctx context.Context, db *sql.DB, config FullConfig, driver DriverType) (*DB, error) {
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return &DB{db: db, driver: driver}, nil
}
