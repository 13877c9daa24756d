package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sofatutor/deckguard/internal/monitor"
)

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	e := NewEvent(ActionAdminBlock, ActorOperator, ResultSuccess)

	assert.Equal(t, ActionAdminBlock, e.Action)
	assert.Equal(t, ActorOperator, e.Actor)
	assert.Equal(t, ResultSuccess, e.Result)
	assert.NotNil(t, e.Details)
	assert.False(t, e.Timestamp.Before(before))
	assert.Equal(t, time.UTC, e.Timestamp.Location())
}

func TestEvent_Builders(t *testing.T) {
	e := NewEvent(ActionAdminLogin, ActorOperator, ResultFailure).
		WithRequestID("req-1").
		WithCorrelationID("corr-1").
		WithClientIP("198.51.100.4").
		WithUserAgent("curl/8").
		WithHTTPMethod("POST").
		WithEndpoint("/auth/login").
		WithError(errors.New("bad token")).
		WithError(nil)

	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, "198.51.100.4", e.ClientIP)
	assert.Equal(t, map[string]interface{}{
		"user_agent":  "curl/8",
		"http_method": "POST",
		"endpoint":    "/auth/login",
		"error":       "bad token",
	}, e.Details)
}

func TestEvent_WithDetail_InitializesDetailsMap(t *testing.T) {
	e := &Event{}
	e.WithDetail("k", "v")
	assert.Equal(t, "v", e.Details["k"])
}

func TestEvent_WithTokenID(t *testing.T) {
	e := NewEvent(ActionAdminLogin, ActorOperator, ResultSuccess).WithTokenID("Zm9vYmFyYmF6cXV4cXV1eA")
	assert.Equal(t, "Zm9vYmFy...V1eA", e.Details["token_id"])
}

func TestFromSecurityEvent(t *testing.T) {
	at := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("failure with user", func(t *testing.T) {
		src := monitor.Event{
			ID:        "ev-1",
			Type:      monitor.EventRateLimit,
			Severity:  monitor.SeverityMedium,
			Timestamp: at,
			RequestID: "req-9",
			UserID:    "user-7",
			IP:        "192.0.2.3",
			Details:   map[string]any{"policy": "api"},
		}
		got := FromSecurityEvent(src)

		assert.Equal(t, "security.rate_limit", got.Action)
		assert.Equal(t, "user-7", got.Actor)
		assert.Equal(t, ResultFailure, got.Result)
		assert.Equal(t, "req-9", got.RequestID)
		assert.Equal(t, "192.0.2.3", got.ClientIP)
		assert.Equal(t, at, got.Timestamp)
		assert.Equal(t, map[string]interface{}{
			"policy":   "api",
			"event_id": "ev-1",
			"severity": "medium",
		}, got.Details)

		// The source event's details are not aliased.
		got.Details["policy"] = "changed"
		assert.Equal(t, "api", src.Details["policy"])
	})

	t.Run("token rotation is a success", func(t *testing.T) {
		got := FromSecurityEvent(monitor.Event{Type: monitor.EventTokenRotation, Timestamp: at})
		assert.Equal(t, ResultSuccess, got.Result)
		assert.Equal(t, ActorAnonymous, got.Actor)
	})
}
