// Package migrations applies the security event schema using goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Goose dialect names understood by the runner.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

//go:embed sql
var embedded embed.FS

// goose keeps its base filesystem and dialect in package state.
var gooseMu sync.Mutex

// MigrationRunner manages database migrations using goose.
type MigrationRunner struct {
	db      *sql.DB
	dialect string
	fsys    fs.FS
	dir     string
}

// NewMigrationRunner creates a runner reading migrations from dir inside fsys.
func NewMigrationRunner(db *sql.DB, dialect string, fsys fs.FS, dir string) *MigrationRunner {
	return &MigrationRunner{
		db:      db,
		dialect: dialect,
		fsys:    fsys,
		dir:     dir,
	}
}

// ForDialect returns a runner over the migrations shipped with the binary.
func ForDialect(db *sql.DB, dialect string) *MigrationRunner {
	return NewMigrationRunner(db, dialect, embedded, "sql/"+dialect)
}

// SetLogger routes goose output through logger.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetLogger(&gooseLogger{s: logger.Sugar()})
}

type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l *gooseLogger) Printf(format string, v ...interface{}) { l.s.Infof(format, v...) }
func (l *gooseLogger) Fatalf(format string, v ...interface{}) { l.s.Fatalf(format, v...) }

// Up applies all pending migrations. An advisory lock keeps concurrent
// instances from migrating at the same time.
func (m *MigrationRunner) Up(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}

	release, err := m.acquireMigrationLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer release()

	return m.withGoose(func() error {
		if err := goose.UpContext(ctx, m.db, m.dir); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *MigrationRunner) Down(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}

	release, err := m.acquireMigrationLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer release()

	return m.withGoose(func() error {
		if err := goose.DownContext(ctx, m.db, m.dir); err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		return nil
	})
}

// Status returns the current migration version, 0 when nothing is applied.
func (m *MigrationRunner) Status(ctx context.Context) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}

	var version int64
	err := m.withGoose(func() error {
		v, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			return fmt.Errorf("failed to get migration version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

func (m *MigrationRunner) check() error {
	if m.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if m.fsys == nil || m.dir == "" {
		return fmt.Errorf("migrations path is empty")
	}
	switch m.dialect {
	case DialectSQLite, DialectPostgres, DialectMySQL:
		return nil
	default:
		return fmt.Errorf("unsupported migration dialect: %q", m.dialect)
	}
}

func (m *MigrationRunner) withGoose(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(m.fsys)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(m.dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn()
}

func (m *MigrationRunner) acquireMigrationLock(ctx context.Context) (func(), error) {
	switch m.dialect {
	case DialectPostgres:
		return m.acquirePostgresLock(ctx)
	case DialectMySQL:
		return m.acquireMySQLLock(ctx)
	default:
		return m.acquireSQLiteLock(ctx)
	}
}

// acquireSQLiteLock acquires a lock using a single-row lock table.
func (m *MigrationRunner) acquireSQLiteLock(ctx context.Context) (func(), error) {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			locked BOOLEAN NOT NULL DEFAULT 0,
			locked_at DATETIME,
			locked_by TEXT
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}
	_, _ = m.db.ExecContext(ctx, `INSERT OR IGNORE INTO migration_lock (id, locked) VALUES (1, 0)`)

	owner := fmt.Sprintf("pid-%d", os.Getpid())
	for i := 0; i < lockRetries; i++ {
		res, err := m.db.ExecContext(ctx, `
			UPDATE migration_lock
			SET locked = 1, locked_at = CURRENT_TIMESTAMP, locked_by = ?
			WHERE id = 1 AND locked = 0
		`, owner)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return func() {
				_, _ = m.db.Exec(`UPDATE migration_lock SET locked = 0, locked_by = NULL WHERE id = 1`)
			}, nil
		}
		if err := sleepRetry(ctx, i); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("migration lock is already held by another process (retried %d times)", lockRetries)
}

// acquirePostgresLock takes a session advisory lock. The lock lives on one
// pooled connection, which is held until release.
func (m *MigrationRunner) acquirePostgresLock(ctx context.Context) (func(), error) {
	const lockID = 7294061352

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}
	for i := 0; i < lockRetries; i++ {
		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to try advisory lock: %w", err)
		}
		if acquired {
			return func() {
				_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
				_ = conn.Close()
			}, nil
		}
		if err := sleepRetry(ctx, i); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("failed to acquire PostgreSQL advisory lock after %d retries", lockRetries)
}

const (
	lockRetries    = 10
	lockRetryDelay = 100 * time.Millisecond
)

func sleepRetry(ctx context.Context, attempt int) error {
	if attempt == lockRetries-1 {
		return nil
	}
	t := time.NewTimer(lockRetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
