// Package audit writes an append-only JSON-lines trail of security events
// and operator actions.
package audit

import (
	"time"

	"github.com/sofatutor/deckguard/internal/monitor"
	"github.com/sofatutor/deckguard/internal/obfuscate"
)

// Event is one audit record.
type Event struct {
	// Timestamp when the event occurred (ISO8601 format)
	Timestamp time.Time `json:"timestamp"`

	// Action describes what happened (e.g., "admin.block", "security.csrf_failure")
	Action string `json:"action"`

	// Actor identifies who caused it (user ID, operator, or system)
	Actor string `json:"actor"`

	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ClientIP      string `json:"client_ip,omitempty"`

	// Result indicates success or failure of the operation
	Result ResultType `json:"result"`

	// Details contains additional context about the event (no secrets)
	Details map[string]interface{} `json:"details,omitempty"`
}

// ResultType represents the outcome of an audited operation
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultFailure ResultType = "failure"
)

// Action constants for operator actions. Security events use
// "security.<event type>".
const (
	ActionAdminLogin   = "admin.login"
	ActionAdminLogout  = "admin.logout"
	ActionAdminAccess  = "admin.access"
	ActionAdminBlock   = "admin.block"
	ActionAdminUnblock = "admin.unblock"

	ActionSecurityPrefix = "security."
)

// Actor types for common audit actors
const (
	ActorSystem    = "system"
	ActorAnonymous = "anonymous"
	ActorOperator  = "operator"
)

// NewEvent creates a new audit event stamped with the current time.
func NewEvent(action string, actor string, result ResultType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Actor:     actor,
		Result:    result,
		Details:   make(map[string]interface{}),
	}
}

// FromSecurityEvent converts a recorded monitor event. Only token rotations
// count as successes; every other type records a rejected or suspicious
// request.
func FromSecurityEvent(e monitor.Event) *Event {
	actor := e.UserID
	if actor == "" {
		actor = ActorAnonymous
	}
	result := ResultFailure
	if e.Type == monitor.EventTokenRotation {
		result = ResultSuccess
	}

	ev := &Event{
		Timestamp: e.Timestamp.UTC(),
		Action:    ActionSecurityPrefix + string(e.Type),
		Actor:     actor,
		RequestID: e.RequestID,
		ClientIP:  e.IP,
		Result:    result,
		Details:   make(map[string]interface{}, len(e.Details)+5),
	}
	for k, v := range e.Details {
		ev.Details[k] = v
	}
	ev.WithDetail("event_id", e.ID).WithDetail("severity", string(e.Severity))
	if e.Method != "" {
		ev.WithHTTPMethod(e.Method)
	}
	if e.Path != "" {
		ev.WithEndpoint(e.Path)
	}
	if e.UserAgent != "" {
		ev.WithUserAgent(e.UserAgent)
	}
	return ev
}

// WithRequestID sets the request ID for correlation with request logs
func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

// WithCorrelationID sets the correlation ID for tracing across services
func (e *Event) WithCorrelationID(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// WithClientIP sets the client IP address for the audit event
func (e *Event) WithClientIP(clientIP string) *Event {
	e.ClientIP = clientIP
	return e
}

// WithDetail adds a detail key-value pair. Values must not contain secrets.
func (e *Event) WithDetail(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithTokenID adds an obfuscated token to the details.
func (e *Event) WithTokenID(token string) *Event {
	return e.WithDetail("token_id", obfuscate.ObfuscateTokenGeneric(token))
}

// WithError adds error information to the audit event details
func (e *Event) WithError(err error) *Event {
	if err != nil {
		return e.WithDetail("error", err.Error())
	}
	return e
}

// WithUserAgent adds the user agent to the audit event details
func (e *Event) WithUserAgent(userAgent string) *Event {
	return e.WithDetail("user_agent", userAgent)
}

// WithHTTPMethod adds the HTTP method to the audit event details
func (e *Event) WithHTTPMethod(method string) *Event {
	return e.WithDetail("http_method", method)
}

// WithEndpoint adds the request path to the audit event details
func (e *Event) WithEndpoint(endpoint string) *Event {
	return e.WithDetail("endpoint", endpoint)
}
