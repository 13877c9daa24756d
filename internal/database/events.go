package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sofatutor/deckguard/internal/monitor"
)

// List limits for ListSecurityEvents.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// EventFilter narrows ListSecurityEvents and CountSecurityEvents. Zero
// fields match everything.
type EventFilter struct {
	Type      monitor.EventType
	IP        string
	UserID    string
	RequestID string
	Since     time.Time
	Limit     int
}

func (f EventFilter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.IP != "" {
		add("ip = ?", f.IP)
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.RequestID != "" {
		add("request_id = ?", f.RequestID)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= ?", f.Since.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (f EventFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// StoreSecurityEvent inserts one event.
func (d *DB) StoreSecurityEvent(ctx context.Context, e monitor.Event) error {
	var details sql.NullString
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	query := `INSERT INTO security_events
		(id, request_id, type, severity, occurred_at, user_id, ip, user_agent, path, method, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := d.ExecContextRebound(ctx, query,
		e.ID,
		nullString(e.RequestID),
		string(e.Type),
		string(e.Severity),
		e.Timestamp.UTC(),
		nullString(e.UserID),
		nullString(e.IP),
		nullString(e.UserAgent),
		nullString(e.Path),
		nullString(e.Method),
		details,
	)
	if err != nil {
		return fmt.Errorf("failed to store security event: %w", err)
	}
	return nil
}

// ListSecurityEvents returns matching events, newest first.
func (d *DB) ListSecurityEvents(ctx context.Context, f EventFilter) ([]monitor.Event, error) {
	where, args := f.where()
	query := `SELECT id, request_id, type, severity, occurred_at, user_id, ip, user_agent, path, method, details
		FROM security_events` + where + ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, f.limit())

	rows, err := d.QueryContextRebound(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]monitor.Event, 0)
	for rows.Next() {
		var (
			e                                           monitor.Event
			typ, severity                               string
			requestID, userID, ip, userAgent, path, mth sql.NullString
			details                                     sql.NullString
		)
		if err := rows.Scan(&e.ID, &requestID, &typ, &severity, &e.Timestamp, &userID, &ip, &userAgent, &path, &mth, &details); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		e.Type = monitor.EventType(typ)
		e.Severity = monitor.Severity(severity)
		e.Timestamp = e.Timestamp.UTC()
		e.RequestID = requestID.String
		e.UserID = userID.String
		e.IP = ip.String
		e.UserAgent = userAgent.String
		e.Path = path.String
		e.Method = mth.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode details of event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate security events: %w", err)
	}
	return events, nil
}

// CountSecurityEvents counts matching events. The filter's Limit is ignored.
func (d *DB) CountSecurityEvents(ctx context.Context, f EventFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := d.QueryRowContextRebound(ctx, `SELECT COUNT(*) FROM security_events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count security events: %w", err)
	}
	return n, nil
}

// PurgeSecurityEventsBefore deletes events recorded before the cutoff.
func (d *DB) PurgeSecurityEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.ExecContextRebound(ctx, `DELETE FROM security_events WHERE occurred_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge security events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purged row count: %w", err)
	}
	return n, nil
}
