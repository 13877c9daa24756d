package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sofatutor/deckguard/internal/clientip"
	"github.com/sofatutor/deckguard/internal/csrf"
	"github.com/sofatutor/deckguard/internal/monitor"
	"github.com/sofatutor/deckguard/internal/origin"
	"github.com/sofatutor/deckguard/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appOrigin = "https://app.example"

type fixture struct {
	gw      *Gateway
	tokens  *csrf.Store
	monitor *monitor.Monitor
	counter *ratelimit.MemoryCounter
}

type fixtureOption func(*Deps, *Config)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	counter := ratelimit.NewMemoryCounter(100, time.Hour)
	tokens := csrf.NewStore(csrf.Config{Secure: false}, nil)
	mon := monitor.New(monitor.DefaultConfig(), nil)
	t.Cleanup(mon.Close)

	policies := ratelimit.DefaultPolicies()
	policies["tight"] = ratelimit.Policy{Name: "tight", Window: time.Minute, Max: 5}

	deps := Deps{
		Limiter:  ratelimit.NewLimiter(counter, clientip.NewHasher("test"), nil),
		Policies: policies,
		Tokens:   tokens,
		Origins:  origin.NewValidator([]string{appOrigin}, false),
		Monitor:  mon,
	}
	cfg := Config{IdentityHeader: "X-Authenticated-User"}
	for _, o := range opts {
		o(&deps, &cfg)
	}
	return &fixture{gw: New(cfg, deps), tokens: tokens, monitor: mon, counter: counter}
}

var uploadRoute = Route{
	Name:         "upload",
	Methods:      []string{http.MethodPost},
	RateLimit:    "tight",
	ContentTypes: []string{"application/json", "multipart/form-data"},
}

func (f *fixture) validPost(t *testing.T, body string) *http.Request {
	t.Helper()
	tok, err := f.tokens.Issue("")
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/decks", strings.NewReader(body))
	r.RemoteAddr = "192.0.2.1:5000"
	r.Header.Set("Origin", appOrigin)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(csrf.HeaderName, tok.Value)
	r.AddCookie(&http.Cookie{Name: csrf.MetaCookieName, Value: tok.Value})
	return r
}

func TestEvaluate_CSRFHappyPathEmitsNoEvent(t *testing.T) {
	f := newFixture(t)
	d := f.gw.Evaluate(context.Background(), f.validPost(t, `{}`), uploadRoute)

	assert.True(t, d.Allowed)
	assert.Equal(t, StageAllow, d.Stage)
	assert.NotEmpty(t, d.RequestID)
	assert.Nil(t, d.Event)
	require.NotNil(t, d.RateLimit)
	assert.Equal(t, 4, d.RateLimit.Remaining)
	assert.Empty(t, f.monitor.RecentEvents(0))
}

func TestEvaluate_OriginViolation(t *testing.T) {
	f := newFixture(t)
	r := f.validPost(t, `{}`)
	r.Header.Set("Origin", "https://evil.example")

	d := f.gw.Evaluate(context.Background(), r, uploadRoute)
	assert.False(t, d.Allowed)
	assert.Equal(t, StageOrigin, d.Stage)
	assert.Equal(t, http.StatusForbidden, d.Status)
	assert.Equal(t, DenialInvalidOrigin.Code, d.Code)

	require.NotNil(t, d.Event)
	assert.Equal(t, monitor.EventOriginViolation, d.Event.Type)
	assert.Equal(t, monitor.SeverityHigh, d.Event.Severity)
	assert.Equal(t, d.RequestID, d.Event.RequestID)
	assert.Equal(t, "https://evil.example", d.Event.Details["origin"])
	assert.Equal(t, []string{appOrigin}, d.Event.Details["allowed"])
	assert.NotContains(t, d.Message, "evil")
}

func TestEvaluate_RateLimitHeaders(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		require.True(t, f.gw.Evaluate(context.Background(), f.validPost(t, `{}`), uploadRoute).Allowed)
	}

	d := f.gw.Evaluate(context.Background(), f.validPost(t, `{}`), uploadRoute)
	assert.False(t, d.Allowed)
	assert.Equal(t, http.StatusTooManyRequests, d.Status)
	assert.Equal(t, "0", d.Headers.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "5", d.Headers.Get("X-RateLimit-Limit"))
	retry, err := strconv.Atoi(d.Headers.Get("Retry-After"))
	require.NoError(t, err)
	assert.LessOrEqual(t, retry, 60)
	assert.GreaterOrEqual(t, retry, 1)
	assert.Equal(t, d.RequestID, d.Headers.Get("X-Request-Id"))

	require.NotNil(t, d.Event)
	assert.Equal(t, monitor.EventRateLimit, d.Event.Type)
	assert.Equal(t, monitor.SeverityMedium, d.Event.Severity)
}

func TestEvaluate_CSRFFailure(t *testing.T) {
	f := newFixture(t)
	r := f.validPost(t, `{}`)
	r.Header.Del(csrf.HeaderName)

	d := f.gw.Evaluate(context.Background(), r, uploadRoute)
	assert.Equal(t, StageCSRF, d.Stage)
	assert.Equal(t, DenialCSRFInvalid.Code, d.Code)
	require.NotNil(t, d.Event)
	assert.Equal(t, monitor.EventCSRFFailure, d.Event.Type)
	assert.Equal(t, false, d.Event.Details["token_present"])
	assert.Equal(t, string(csrf.ReasonMissingToken), d.Event.Details["reason"])

	meta, err := r.Cookie(csrf.MetaCookieName)
	require.NoError(t, err)
	headers, ok := d.Event.Details["headers"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.NotEmpty(t, headers["Cookie"])
	assert.NotContains(t, headers["Cookie"], meta.Value)
}

func TestEvaluate_ContentType(t *testing.T) {
	f := newFixture(t)
	r := f.validPost(t, "<xml/>")
	r.Header.Set("Content-Type", "application/xml")

	d := f.gw.Evaluate(context.Background(), r, uploadRoute)
	assert.Equal(t, StageContentType, d.Stage)
	assert.Equal(t, http.StatusUnsupportedMediaType, d.Status)
	require.NotNil(t, d.Event)
	assert.Equal(t, monitor.EventContentTypeViolation, d.Event.Type)

	r = f.validPost(t, `--b--`)
	r.Header.Set("Content-Type", "multipart/form-data; boundary=b")
	assert.True(t, f.gw.Evaluate(context.Background(), r, uploadRoute).Allowed)
}

func TestEvaluate_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	r := f.validPost(t, `{}`)
	r.Method = http.MethodDelete

	d := f.gw.Evaluate(context.Background(), r, uploadRoute)
	assert.Equal(t, StageMethod, d.Stage)
	assert.Equal(t, http.StatusMethodNotAllowed, d.Status)
	assert.Equal(t, "POST", d.Headers.Get("Allow"))
	require.NotNil(t, d.Event)
	assert.Equal(t, monitor.EventSuspiciousActivity, d.Event.Type)
	assert.Equal(t, monitor.SeverityLow, d.Event.Severity)
	assert.Equal(t, d.RequestID, d.Event.RequestID)
	assert.Equal(t, "method", d.Event.Details["stage"])

	r = f.validPost(t, `{}`)
	r.Method = http.MethodDelete
	d = f.gw.Evaluate(context.Background(), r, uploadRoute)
	assert.Equal(t, StageMethod, d.Stage)
	assert.Nil(t, d.Event, "one notice per ip and stage per interval")
}

func TestEvaluate_BlockedIP(t *testing.T) {
	f := newFixture(t)
	f.monitor.BlockIP("192.0.2.1", time.Minute, "test")

	d := f.gw.Evaluate(context.Background(), f.validPost(t, `{}`), uploadRoute)
	assert.Equal(t, StageIPBlock, d.Stage)
	assert.Equal(t, http.StatusForbidden, d.Status)
	assert.Equal(t, DenialBlocked.Code, d.Code)
	require.NotNil(t, d.Event)
	assert.Equal(t, monitor.EventSuspiciousActivity, d.Event.Type)
	assert.Equal(t, "ip_block", d.Event.Details["stage"])
	assert.Equal(t, d.RequestID, d.Event.RequestID)

	for i := 0; i < 5; i++ {
		assert.Nil(t, f.gw.Evaluate(context.Background(), f.validPost(t, `{}`), uploadRoute).Event)
	}
	assert.Empty(t, f.monitor.RecentAlerts(0), "notices never alert")

	route := uploadRoute
	route.SkipIPBlock = true
	assert.True(t, f.gw.Evaluate(context.Background(), f.validPost(t, `{}`), route).Allowed)
}

func TestEvaluate_SkippedStages(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodPost, "/health", nil)

	d := f.gw.Evaluate(context.Background(), r, Route{Name: "health", SkipOrigin: true, SkipCSRF: true})
	assert.True(t, d.Allowed)
	assert.Nil(t, d.RateLimit)
}

type failingLimiter struct{}

func (failingLimiter) Check(context.Context, *http.Request, ratelimit.Policy) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis down")
}

func (failingLimiter) Release(context.Context, *http.Request, ratelimit.Policy) error { return nil }

type panickingTokens struct{ *csrf.Store }

func (panickingTokens) Validate(*http.Request) csrf.Result { panic("token store corrupted") }

func TestEvaluate_FailModes(t *testing.T) {
	t.Run("rate limit fails open", func(t *testing.T) {
		f := newFixture(t, func(d *Deps, _ *Config) { d.Limiter = failingLimiter{} })
		d := f.gw.Evaluate(context.Background(), f.validPost(t, `{}`), uploadRoute)
		assert.True(t, d.Allowed)
	})

	t.Run("rate limit can be flipped closed", func(t *testing.T) {
		f := newFixture(t, func(d *Deps, c *Config) {
			d.Limiter = failingLimiter{}
			c.FailModes = map[Stage]FailMode{StageRateLimit: FailClosed}
		})
		d := f.gw.Evaluate(context.Background(), f.validPost(t, `{}`), uploadRoute)
		assert.False(t, d.Allowed)
		assert.Equal(t, http.StatusTooManyRequests, d.Status)
	})

	t.Run("unknown policy fails open", func(t *testing.T) {
		f := newFixture(t)
		route := uploadRoute
		route.RateLimit = "missing"
		assert.True(t, f.gw.Evaluate(context.Background(), f.validPost(t, `{}`), route).Allowed)
	})

	t.Run("csrf panic fails closed", func(t *testing.T) {
		f := newFixture(t)
		f.gw.deps.Tokens = panickingTokens{f.tokens}
		d := f.gw.Evaluate(context.Background(), f.validPost(t, `{}`), uploadRoute)
		assert.False(t, d.Allowed)
		assert.Equal(t, StageCSRF, d.Stage)
		require.NotNil(t, d.Event)
		assert.Equal(t, "internal_error", d.Event.Details["reason"])
	})
}

func TestReportAuthFailure_BruteForce(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	r.RemoteAddr = "192.0.2.9:1"

	for i := 0; i < 3; i++ {
		e := f.gw.ReportAuthFailure(context.Background(), r, "u1", "bad_password")
		assert.Equal(t, monitor.EventAuthFailure, e.Type)
	}
	var suspicious []monitor.Event
	for _, e := range f.monitor.RecentEvents(0) {
		if e.Type == monitor.EventSuspiciousActivity {
			suspicious = append(suspicious, e)
		}
	}
	require.Len(t, suspicious, 1)
	assert.Equal(t, "u1", suspicious[0].UserID)
}

func TestMiddleware_Denied(t *testing.T) {
	f := newFixture(t)
	called := false
	h := f.gw.Middleware(uploadRoute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	r := f.validPost(t, `{}`)
	r.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, DenialInvalidOrigin.Code, body.Code)
	assert.Equal(t, rec.Header().Get("X-Request-Id"), body.RequestID)
	assert.NotEmpty(t, body.Error)
}

func TestMiddleware_AllowedStampsHeadersAndContext(t *testing.T) {
	f := newFixture(t)
	var seenUser string
	h := f.gw.Middleware(uploadRoute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = f.gw.UserID(r.Context(), r)
		w.WriteHeader(http.StatusCreated)
	}))

	r := f.validPost(t, `{}`)
	r.Header.Set("X-Authenticated-User", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", seenUser)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "no-store, no-cache, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Result().Cookies(), "valid unexpired token is not rotated")
}

func TestMiddleware_RotatesMissingToken(t *testing.T) {
	f := newFixture(t)
	h := f.gw.Middleware(Route{Name: "page", Methods: []string{http.MethodGet}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Result().Cookies(), 2)
	events := f.monitor.RecentEvents(0)
	require.Len(t, events, 1)
	assert.Equal(t, monitor.EventTokenRotation, events[0].Type)
	assert.Equal(t, monitor.SeverityLow, events[0].Severity)
}

func TestMiddleware_CookielessRequestsStayBounded(t *testing.T) {
	tokens := csrf.NewStore(csrf.Config{Secure: false, MaxAnonymousTokens: 50}, nil)
	f := newFixture(t, func(d *Deps, _ *Config) { d.Tokens = tokens })
	h := f.gw.Middleware(Route{Name: "page", Methods: []string{http.MethodGet}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 500; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = fmt.Sprintf("198.51.100.%d:1", i%250)
		r.Header.Set("User-Agent", fmt.Sprintf("agent-%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 50, tokens.Len())
}

func TestMiddleware_SkipSuccessfulRequests(t *testing.T) {
	f := newFixture(t)
	route := Route{Name: "login", Methods: []string{http.MethodPost}, RateLimit: ratelimit.PolicyLogin, SkipCSRF: true}

	status := http.StatusOK
	h := f.gw.Middleware(route)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	post := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		r.RemoteAddr = "192.0.2.3:1"
		r.Header.Set("Origin", appOrigin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, post().Code, "successful logins do not consume the budget")
	}

	status = http.StatusUnauthorized
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusUnauthorized, post().Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, post().Code)
}

func TestApplyHardeningHeaders(t *testing.T) {
	h := http.Header{}
	ApplyHardeningHeaders(h)
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", h.Get("X-XSS-Protection"))
	assert.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
	assert.Equal(t, "no-cache", h.Get("Pragma"))
}

func TestRoute(t *testing.T) {
	rt := Route{Methods: []string{"post", "PUT"}, ContentTypes: []string{"application/json"}}
	assert.True(t, rt.AllowsMethod(http.MethodPost))
	assert.False(t, rt.AllowsMethod(http.MethodGet))
	assert.Equal(t, "POST, PUT", rt.AllowHeader())
	assert.True(t, rt.AcceptsContentType("Application/JSON"))
	assert.True(t, Route{}.AllowsMethod(http.MethodPatch))
	assert.Equal(t, "open", FailOpen.String())
	assert.Equal(t, "closed", FailClosed.String())
}
