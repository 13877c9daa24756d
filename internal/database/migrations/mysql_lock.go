//go:build mysql

package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// acquireMySQLLock takes a GET_LOCK named lock on a reserved connection.
// MySQL releases it on its own if the connection drops.
func (m *MigrationRunner) acquireMySQLLock(ctx context.Context) (func(), error) {
	const lockName = "deckguard-migrations"
	const lockTimeout = 10 // seconds per attempt

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}
	for i := 0; i < lockRetries; i++ {
		// 1 acquired, 0 timed out, NULL on error.
		var result sql.NullInt64
		if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", lockName, lockTimeout).Scan(&result); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to try MySQL named lock: %w", err)
		}
		if !result.Valid {
			_ = conn.Close()
			return nil, fmt.Errorf("MySQL GET_LOCK returned NULL")
		}
		if result.Int64 == 1 {
			return func() {
				_, _ = conn.ExecContext(context.Background(), "SELECT RELEASE_LOCK(?)", lockName)
				_ = conn.Close()
			}, nil
		}
		if err := sleepRetry(ctx, i); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("failed to acquire MySQL named lock after %d retries", lockRetries)
}
