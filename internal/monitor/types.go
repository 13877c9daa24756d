// Package monitor records security events, raises threshold alerts, runs
// abuse-pattern detectors and maintains the temporary IP block list.
package monitor

import (
	"time"
)

// EventType classifies a security event.
type EventType string

const (
	EventCSRFFailure          EventType = "csrf_failure"
	EventRateLimit            EventType = "rate_limit"
	EventAuthFailure          EventType = "auth_failure"
	EventSuspiciousActivity   EventType = "suspicious_activity"
	EventTokenRotation        EventType = "token_rotation"
	EventOriginViolation      EventType = "origin_violation"
	EventContentTypeViolation EventType = "content_type_violation"
)

// EventTypes lists every known type.
var EventTypes = []EventType{
	EventCSRFFailure,
	EventRateLimit,
	EventAuthFailure,
	EventSuspiciousActivity,
	EventTokenRotation,
	EventOriginViolation,
	EventContentTypeViolation,
}

// Valid reports whether t is a known type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity ranks events and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (unknown) to 4 (critical).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Event is a single recorded security event. Events are stored by value and
// never modified after LogEvent returns.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Path      string         `json:"path,omitempty"`
	Method    string         `json:"method,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Alert is raised when events of one type cross their threshold.
type Alert struct {
	ID         string        `json:"id"`
	Type       EventType     `json:"type"`
	Severity   Severity      `json:"severity"`
	Count      int           `json:"count"`
	Window     time.Duration `json:"window"`
	FirstEvent time.Time     `json:"first_event"`
	LastEvent  time.Time     `json:"last_event"`
	Events     []Event       `json:"events"`
	UserIDs    []string      `json:"user_ids,omitempty"`
	IPs        []string      `json:"ips,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	// Escalated marks the follow-up alert raised when an already-alerted
	// type keeps growing within the same window.
	Escalated bool `json:"escalated"`
}

// Threshold is the alerting rule for one event type.
type Threshold struct {
	Count    int           `yaml:"count" json:"count"`
	Window   time.Duration `yaml:"window" json:"window"`
	Severity Severity      `yaml:"severity" json:"severity"`
}

// DefaultThresholds returns the built-in alerting rules. token_rotation is
// informational and never alerts.
func DefaultThresholds() map[EventType]Threshold {
	return map[EventType]Threshold{
		EventCSRFFailure:          {Count: 10, Window: time.Minute, Severity: SeverityHigh},
		EventRateLimit:            {Count: 20, Window: time.Minute, Severity: SeverityMedium},
		EventAuthFailure:          {Count: 5, Window: 5 * time.Minute, Severity: SeverityHigh},
		EventSuspiciousActivity:   {Count: 3, Window: time.Minute, Severity: SeverityCritical},
		EventOriginViolation:      {Count: 10, Window: time.Minute, Severity: SeverityHigh},
		EventContentTypeViolation: {Count: 20, Window: time.Minute, Severity: SeverityMedium},
	}
}

// BlockedIP is an entry of the temporary block list.
type BlockedIP struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	Until     time.Time `json:"until"`
}

// Counted pairs a key with an occurrence count.
type Counted struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Statistics summarises the events within a window.
type Statistics struct {
	Window      time.Duration     `json:"window"`
	TotalEvents int               `json:"total_events"`
	ByType      map[EventType]int `json:"by_type"`
	BySeverity  map[Severity]int  `json:"by_severity"`
	TopIPs      []Counted         `json:"top_ips"`
	TopUsers    []Counted         `json:"top_users"`
	Alerts      int               `json:"alerts"`
	BlockedIPs  int               `json:"blocked_ips"`
}
