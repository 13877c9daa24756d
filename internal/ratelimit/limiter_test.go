package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sofatutor/deckguard/internal/clientip"
	"github.com/sofatutor/deckguard/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(ip, ua string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/decks", nil)
	r.RemoteAddr = ip + ":4000"
	r.Header.Set("User-Agent", ua)
	return r
}

func TestLimiter_Key(t *testing.T) {
	l := NewLimiter(NewMemoryCounter(10, time.Hour), clientip.NewHasher("k"), nil)
	r := newRequest("192.0.2.1", "Firefox")
	p := Policy{Name: "upload", Window: time.Minute, Max: 10}

	key := l.Key(context.Background(), r, p)
	assert.True(t, strings.HasPrefix(key, "upload:client:"))

	ctx := logging.WithUserID(context.Background(), "alice")
	assert.Equal(t, "upload:user:alice", l.Key(ctx, r, p))

	p.KeyPrefix = "decks"
	assert.Equal(t, "upload:decks:user:alice", l.Key(ctx, r, p))
}

func TestLimiter_CheckHeaders(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	counter := NewMemoryCounter(10, time.Hour)
	counter.SetClock(clock.Now)
	l := NewLimiter(counter, clientip.NewHasher("k"), nil)
	p := DefaultPolicies()[PolicyUpload]
	r := newRequest("192.0.2.1", "Firefox")

	var res Result
	var err error
	for i := 0; i < p.Max; i++ {
		res, err = l.Check(ctx, r, p)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	h := res.Headers()
	assert.Equal(t, "10", h.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", h.Get("X-RateLimit-Remaining"))
	assert.Empty(t, h.Get("Retry-After"))

	clock.Advance(20 * time.Second)
	res, err = l.Check(ctx, r, p)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, PolicyUpload, res.Policy)

	h = res.Headers()
	assert.Equal(t, "40", h.Get("Retry-After"))
	assert.Equal(t, "0", h.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, h.Get("X-RateLimit-Reset"))

	other := newRequest("192.0.2.2", "Firefox")
	res, err = l.Check(ctx, other, p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_Release(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryCounter(10, time.Hour), nil, nil)
	p := DefaultPolicies()[PolicyLogin]
	r := newRequest("192.0.2.1", "Firefox")

	for i := 0; i < 20; i++ {
		res, err := l.Check(ctx, r, p)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.NoError(t, l.Release(ctx, r, p))
	}
}

func TestResult_HeadersMinimumRetryAfter(t *testing.T) {
	h := Result{Limit: 5, RetryAfter: 200 * time.Millisecond}.Headers()
	assert.Equal(t, "1", h.Get("Retry-After"))
	assert.Empty(t, h.Get("X-RateLimit-Reset"))
}

func TestDefaultPolicies(t *testing.T) {
	policies := DefaultPolicies()
	require.Len(t, policies, 5)
	for name, p := range policies {
		assert.Equal(t, name, p.Name)
		assert.NoError(t, p.Validate())
	}
	assert.Equal(t, 5, policies[PolicyLogin].Max)
	assert.True(t, policies[PolicyLogin].SkipSuccessfulRequests)
	assert.Equal(t, 15*time.Minute, MaxWindow(policies))
}

func TestPolicy_Validate(t *testing.T) {
	assert.Error(t, Policy{}.Validate())
	assert.Error(t, Policy{Name: "x", Max: 1}.Validate())
	assert.Error(t, Policy{Name: "x", Window: time.Second}.Validate())
}
