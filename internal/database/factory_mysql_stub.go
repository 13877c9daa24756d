//go:build !mysql

package database

import (
	"context"
	"fmt"
)

// newMySQLDB reports that MySQL support is not compiled in.
// Build with: go build -tags mysql ./...
func newMySQLDB(_ context.Context, _ FullConfig) (*DB, error) {
	return nil, fmt.Errorf("MySQL support not compiled in; build with -tags mysql to enable")
}
