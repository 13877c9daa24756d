package database

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// RebindQuery converts ? placeholders to $n for PostgreSQL.
func (d *DB) RebindQuery(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var builder strings.Builder
	builder.Grow(len(query) + 10)
	count := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			count++
			builder.WriteByte('$')
			builder.WriteString(strconv.Itoa(count))
		} else {
			builder.WriteByte(query[i])
		}
	}
	return builder.String()
}

// ExecContextRebound executes a query with automatic placeholder rebinding.
func (d *DB) ExecContextRebound(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.RebindQuery(query), args...)
}

// QueryRowContextRebound queries a single row with automatic placeholder rebinding.
func (d *DB) QueryRowContextRebound(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.db.QueryRowContext(ctx, d.RebindQuery(query), args...)
}

// QueryContextRebound queries multiple rows with automatic placeholder rebinding.
func (d *DB) QueryContextRebound(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.RebindQuery(query), args...)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
