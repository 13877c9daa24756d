package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sofatutor/deckguard/internal/audit"
	"github.com/sofatutor/deckguard/internal/config"
	"github.com/sofatutor/deckguard/internal/database"
	"github.com/sofatutor/deckguard/internal/encryption"
	"github.com/sofatutor/deckguard/internal/monitor"
)

const testToken = "operator-secret-token"

type testAdmin struct {
	server    *Server
	monitor   *monitor.Monitor
	db        *database.DB
	auditPath string
}

func newTestAdmin(t *testing.T) *testAdmin {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.ManagementToken = testToken
	cfg.SessionSecret = "session-secret-for-tests-only-32b"

	hasher, err := encryption.NewTokenHasherWithCost(bcrypt.MinCost)
	require.NoError(t, err)
	cred, err := encryption.NewCredential(hasher, testToken)
	require.NoError(t, err)

	dbCfg := database.DefaultFullConfig()
	dbCfg.Path = ":memory:"
	db, err := database.NewFromConfig(context.Background(), dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	auditLogger, err := audit.NewLogger(audit.LoggerConfig{FilePath: auditPath, CreateDir: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLogger.Close() })

	mon := monitor.New(monitor.DefaultConfig(), nil)
	t.Cleanup(mon.Close)

	srv, err := NewServer(cfg, Deps{
		Monitor:    mon,
		Events:     db,
		Audit:      auditLogger,
		Credential: cred,
	})
	require.NoError(t, err)
	return &testAdmin{server: srv, monitor: mon, db: db, auditPath: auditPath}
}

func (a *testAdmin) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, req)
	return w
}

func (a *testAdmin) authed(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.do(req)
}

func (a *testAdmin) auditActions(t *testing.T) []audit.Event {
	t.Helper()
	f, err := os.Open(a.auditPath)
	require.NoError(t, err)
	defer f.Close()
	var events []audit.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e audit.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := NewServer(cfg, Deps{})
	assert.EqualError(t, err, "admin server requires a monitor")

	_, err = NewServer(cfg, Deps{Monitor: monitor.New(monitor.DefaultConfig(), nil)})
	assert.EqualError(t, err, "admin server requires a management credential")
}

func TestGetSessionSecret(t *testing.T) {
	cfg := &config.Config{ManagementToken: "secret-token"}
	assert.Equal(t, []byte("secret-tokendeckguard-cookie-salt"), getSessionSecret(cfg))

	cfg.SessionSecret = "explicit"
	assert.Equal(t, []byte("explicit"), getSessionSecret(cfg))
}

func TestServer_Shutdown_NoServer(t *testing.T) {
	s := &Server{}
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestAPI_RequiresAuthentication(t *testing.T) {
	a := newTestAdmin(t)

	w := a.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = a.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Basic "+testToken)
	w = a.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	events := a.auditActions(t)
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionAdminAccess, events[0].Action)
	assert.Equal(t, audit.ResultFailure, events[0].Result)
}

func TestLogin_SessionGrantsAccessUntilLogout(t *testing.T) {
	a := newTestAdmin(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"management_token":"`+testToken+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w := a.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, sessionName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req = httptest.NewRequest(http.MethodGet, "/api/blocks", nil)
	req.AddCookie(cookies[0])
	w = a.do(req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(cookies[0])
	w = a.do(req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	cleared := w.Result().Cookies()
	require.NotEmpty(t, cleared)

	req = httptest.NewRequest(http.MethodGet, "/api/blocks", nil)
	req.AddCookie(cleared[0])
	w = a.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var actions []string
	for _, e := range a.auditActions(t) {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{audit.ActionAdminLogin, audit.ActionAdminLogout}, actions)
}

func TestLogin_Rejections(t *testing.T) {
	a := newTestAdmin(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("management_token=nope"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := a.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Result().Cookies())

	req = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w = a.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	events := a.auditActions(t)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionAdminLogin, events[0].Action)
	assert.Equal(t, audit.ResultFailure, events[0].Result)
	assert.NotContains(t, events[0].Details["token_id"], "nope")
}

func TestStats(t *testing.T) {
	a := newTestAdmin(t)
	ctx := context.Background()
	a.monitor.LogEvent(ctx, monitor.Event{Type: monitor.EventCSRFFailure, IP: "203.0.113.9"})
	a.monitor.LogEvent(ctx, monitor.Event{Type: monitor.EventRateLimit, IP: "203.0.113.9", UserID: "alice"})

	w := a.authed(http.MethodGet, "/api/stats?window=5m", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats monitor.Statistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 5*time.Minute, stats.Window)
	assert.Equal(t, 2, stats.TotalEvents)
	assert.Equal(t, 1, stats.ByType[monitor.EventCSRFFailure])
	require.NotEmpty(t, stats.TopIPs)
	assert.Equal(t, monitor.Counted{Key: "203.0.113.9", Count: 2}, stats.TopIPs[0])

	w = a.authed(http.MethodGet, "/api/stats?window=-1m", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.authed(http.MethodGet, "/api/stats?window=soon", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlerts(t *testing.T) {
	a := newTestAdmin(t)
	ctx := context.Background()
	for _, user := range []string{"u1", "u2", "u3", "u4", "u5"} {
		a.monitor.LogEvent(ctx, monitor.Event{Type: monitor.EventAuthFailure, Severity: monitor.SeverityMedium, UserID: user})
	}

	w := a.authed(http.MethodGet, "/api/alerts?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp AlertsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, monitor.EventAuthFailure, resp.Alerts[0].Type)
	assert.Equal(t, 5, resp.Alerts[0].Count)

	w = a.authed(http.MethodGet, "/api/alerts?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvents_FiltersDurableStore(t *testing.T) {
	a := newTestAdmin(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []monitor.Event{
		{ID: "e1", Type: monitor.EventCSRFFailure, Severity: monitor.SeverityHigh, Timestamp: base, IP: "203.0.113.1", UserID: "alice", RequestID: "req-1"},
		{ID: "e2", Type: monitor.EventRateLimit, Severity: monitor.SeverityMedium, Timestamp: base.Add(time.Second), IP: "203.0.113.2"},
		{ID: "e3", Type: monitor.EventCSRFFailure, Severity: monitor.SeverityHigh, Timestamp: base.Add(2 * time.Second), IP: "203.0.113.2", UserID: "bob"},
	}
	for _, e := range events {
		require.NoError(t, a.db.StoreSecurityEvent(ctx, e))
	}

	ids := func(path string) []string {
		t.Helper()
		w := a.authed(http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp EventsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		out := make([]string, 0, len(resp.Events))
		for _, e := range resp.Events {
			out = append(out, e.ID)
		}
		return out
	}

	assert.Equal(t, []string{"e3", "e2", "e1"}, ids("/api/events"))
	assert.Equal(t, []string{"e3", "e1"}, ids("/api/events?type=csrf_failure"))
	assert.Equal(t, []string{"e3", "e2"}, ids("/api/events?ip=203.0.113.2"))
	assert.Equal(t, []string{"e1"}, ids("/api/events?user=alice"))
	assert.Equal(t, []string{"e1"}, ids("/api/events?request_id=req-1"))
	assert.Equal(t, []string{"e3"}, ids("/api/events?limit=1"))
	assert.Equal(t, []string{"e3", "e2"}, ids("/api/events?since="+base.Add(time.Second).Format(time.RFC3339)))

	assert.Equal(t, http.StatusBadRequest, a.authed(http.MethodGet, "/api/events?type=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, a.authed(http.MethodGet, "/api/events?since=yesterday", "").Code)
}

func TestEvents_StoreDisabled(t *testing.T) {
	a := newTestAdmin(t)
	a.server.events = nil
	w := a.authed(http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBlocks_CreateListDelete(t *testing.T) {
	a := newTestAdmin(t)

	w := a.authed(http.MethodPost, "/api/blocks", `{"ip":"198.51.100.4","duration":"2m","reason":"scanner"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var b monitor.BlockedIP
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, "198.51.100.4", b.IP)
	assert.Equal(t, "scanner", b.Reason)
	assert.WithinDuration(t, b.BlockedAt.Add(2*time.Minute), b.Until, time.Millisecond)
	assert.True(t, a.monitor.IsIPBlocked("198.51.100.4"))

	w = a.authed(http.MethodGet, "/api/blocks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list BlocksResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Blocks, 1)
	assert.Equal(t, "198.51.100.4", list.Blocks[0].IP)

	w = a.authed(http.MethodDelete, "/api/blocks/198.51.100.4", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, a.monitor.IsIPBlocked("198.51.100.4"))

	w = a.authed(http.MethodDelete, "/api/blocks/198.51.100.4", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var actions []string
	for _, e := range a.auditActions(t) {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{audit.ActionAdminBlock, audit.ActionAdminUnblock}, actions)
}

func TestBlocks_DefaultReasonAndValidation(t *testing.T) {
	a := newTestAdmin(t)

	w := a.authed(http.MethodPost, "/api/blocks", `{"ip":"2001:db8::1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var b monitor.BlockedIP
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, "operator", b.Reason)
	assert.WithinDuration(t, b.BlockedAt.Add(a.monitor.Config().BlockDuration), b.Until, time.Millisecond)

	for _, body := range []string{`{}`, `{"ip":"not-an-ip"}`, `{"ip":"192.0.2.1","duration":"forever"}`, `{"ip":"192.0.2.1","duration":"-5m"}`} {
		w = a.authed(http.MethodPost, "/api/blocks", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}
