//go:build !postgres

package database

import (
	"context"
	"fmt"
)

// newPostgresDB reports that PostgreSQL support is not compiled in.
// Build with: go build -tags postgres ./...
func newPostgresDB(_ context.Context, _ FullConfig) (*DB, error) {
	return nil, fmt.Errorf("PostgreSQL support not compiled in; build with -tags postgres to enable")
}
