//go:build !mysql

package migrations

import (
	"context"
	"fmt"
)

// acquireMySQLLock reports that MySQL support is not compiled in.
func (m *MigrationRunner) acquireMySQLLock(_ context.Context) (func(), error) {
	return nil, fmt.Errorf("MySQL named locking requires the 'mysql' build tag")
}
