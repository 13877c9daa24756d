package gateway

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sofatutor/deckguard/internal/clientip"
	"github.com/sofatutor/deckguard/internal/csrf"
	"github.com/sofatutor/deckguard/internal/logging"
	"github.com/sofatutor/deckguard/internal/monitor"
	"github.com/sofatutor/deckguard/internal/obfuscate"
	"github.com/sofatutor/deckguard/internal/origin"
	"github.com/sofatutor/deckguard/internal/ratelimit"
	"go.uber.org/zap"
)

// RateLimiter is the limiter the gateway consults.
type RateLimiter interface {
	Check(ctx context.Context, r *http.Request, p ratelimit.Policy) (ratelimit.Result, error)
	Release(ctx context.Context, r *http.Request, p ratelimit.Policy) error
}

// TokenStore is the CSRF store the gateway consults.
type TokenStore interface {
	Validate(r *http.Request) csrf.Result
	ShouldRotate(r *http.Request) bool
	CurrentValue(r *http.Request) string
	IssueOrReuse(ownerID, current string) (csrf.Token, error)
	Rotate(ownerID, previous string) (csrf.Token, error)
	SetCookies(w http.ResponseWriter, t csrf.Token)
}

// OriginValidator is the origin check the gateway consults.
type OriginValidator interface {
	Validate(r *http.Request) origin.Result
	Allowed() []string
}

// EventMonitor receives events and answers block-list queries.
type EventMonitor interface {
	LogEvent(ctx context.Context, e monitor.Event) monitor.Event
	IsIPBlocked(ip string) bool
}

// DecisionRecorder counts pipeline outcomes per stage.
type DecisionRecorder interface {
	ObserveDecision(stage, outcome string)
}

// Config tunes a Gateway.
type Config struct {
	// FailModes overrides DefaultFailModes per stage.
	FailModes map[Stage]FailMode
	// IdentityHeader, when set, names a header carrying the authenticated
	// user as asserted by the upstream auth provider.
	IdentityHeader string
	// NoticeInterval spaces the informational events emitted for blocked-ip
	// and method denials to one per ip and stage. Defaults to a minute.
	NoticeInterval time.Duration
}

const maxNoticeKeys = 10000

// Deps are the services a Gateway orchestrates. Limiter, Tokens, Origins
// and Monitor are required.
type Deps struct {
	Limiter  RateLimiter
	Policies map[string]ratelimit.Policy
	Tokens   TokenStore
	Origins  OriginValidator
	Monitor  EventMonitor
	Metrics  DecisionRecorder
	Logger   *zap.Logger
}

// Gateway is safe for concurrent use.
type Gateway struct {
	cfg       Config
	failModes map[Stage]FailMode
	deps      Deps
	logger    *zap.Logger
	// notices holds the ip|stage pairs that recently emitted a notice event.
	notices *expirable.LRU[string, struct{}]
}

// New creates a Gateway.
func New(cfg Config, deps Deps) *Gateway {
	modes := DefaultFailModes()
	for s, m := range cfg.FailModes {
		modes[s] = m
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Policies == nil {
		deps.Policies = map[string]ratelimit.Policy{}
	}
	if cfg.NoticeInterval <= 0 {
		cfg.NoticeInterval = time.Minute
	}
	return &Gateway{
		cfg:       cfg,
		failModes: modes,
		deps:      deps,
		logger:    logger,
		notices:   expirable.NewLRU[string, struct{}](maxNoticeKeys, nil, cfg.NoticeInterval),
	}
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed   bool
	Status    int
	Code      string
	Message   string
	Headers   http.Header
	RequestID string
	UserID    string
	Stage     Stage
	// RateLimit is set when the rate-limit stage ran successfully.
	RateLimit *ratelimit.Result
	// Event is the security event emitted for a denial, if any.
	Event *monitor.Event
}

type requestInfo struct {
	r         *http.Request
	route     Route
	requestID string
	userID    string
	ip        string
}

// Evaluate runs the pipeline for r under route. It never writes to a
// response; see Middleware.
func (g *Gateway) Evaluate(ctx context.Context, r *http.Request, route Route) Decision {
	info := requestInfo{
		r:         r,
		route:     route,
		requestID: logging.GetRequestID(ctx),
		userID:    g.UserID(ctx, r),
		ip:        clientip.FromRequest(r),
	}
	if info.requestID == "" {
		info.requestID = uuid.NewString()
		ctx = logging.WithRequestID(ctx, info.requestID)
	}
	if info.userID != "" {
		ctx = logging.WithUserID(ctx, info.userID)
	}

	d := Decision{RequestID: info.requestID, UserID: info.userID, Headers: http.Header{}}
	d.Headers.Set("X-Request-Id", info.requestID)

	stages := []struct {
		stage Stage
		run   func(context.Context, requestInfo, *Decision) (*Denial, error)
	}{
		{StageIPBlock, g.checkIPBlock},
		{StageMethod, g.checkMethod},
		{StageRateLimit, g.checkRateLimit},
		{StageOrigin, g.checkOrigin},
		{StageCSRF, g.checkCSRF},
		{StageContentType, g.checkContentType},
	}
	for _, st := range stages {
		denial, err := g.guard(st.stage, func() (*Denial, error) { return st.run(ctx, info, &d) })
		if err != nil {
			if g.failModes[st.stage] == FailOpen {
				// Fail open: an internal fault here must not deny traffic.
				logging.WithRequestContext(ctx, g.logger).Error("security check failed, allowing request",
					zap.String("stage", string(st.stage)), zap.String("route", route.Name), zap.Error(err))
				g.observe(st.stage, "error")
				continue
			}
			logging.WithRequestContext(ctx, g.logger).Error("security check failed, denying request",
				zap.String("stage", string(st.stage)), zap.String("route", route.Name), zap.Error(err))
			denial = g.denialFor(st.stage)
			g.emitFailure(ctx, info, st.stage, err, &d)
		}
		if denial != nil {
			d.Stage = st.stage
			d.Status = denial.Status
			d.Code = denial.Code
			d.Message = denial.Message
			g.observe(st.stage, "denied")
			return d
		}
	}

	d.Allowed = true
	d.Stage = StageAllow
	g.observe(StageAllow, "allowed")
	return d
}

// UserID returns the authenticated user for r: the one already in ctx, else
// the configured identity header.
func (g *Gateway) UserID(ctx context.Context, r *http.Request) string {
	if id := logging.GetUserID(ctx); id != "" {
		return id
	}
	if g.cfg.IdentityHeader != "" {
		return r.Header.Get(g.cfg.IdentityHeader)
	}
	return ""
}

// guard converts a panic inside a stage into an error.
func (g *Gateway) guard(stage Stage, fn func() (*Denial, error)) (denial *Denial, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			denial = nil
			err = fmt.Errorf("panic in %s check: %v", stage, rec)
		}
	}()
	return fn()
}

func (g *Gateway) denialFor(stage Stage) *Denial {
	var d Denial
	switch stage {
	case StageIPBlock:
		d = DenialBlocked
	case StageMethod:
		d = DenialMethodNotAllowed
	case StageRateLimit:
		d = DenialRateLimited
	case StageOrigin:
		d = DenialInvalidOrigin
	case StageCSRF:
		d = DenialCSRFInvalid
	default:
		d = DenialInvalidContentType
	}
	return &d
}

// Blocked and method denials emit low-severity suspicious_activity notices,
// at most one per ip and stage per NoticeInterval. The monitor never counts
// them toward its thresholds.
func (g *Gateway) checkIPBlock(ctx context.Context, info requestInfo, d *Decision) (*Denial, error) {
	if info.route.SkipIPBlock || !g.deps.Monitor.IsIPBlocked(info.ip) {
		return nil, nil
	}
	logging.WithRequestContext(ctx, g.logger).Warn("request from blocked ip denied",
		zap.String(logging.FieldClientIP, info.ip), zap.String("route", info.route.Name))
	g.notice(ctx, info, d, StageIPBlock, map[string]any{"reason": "blocked_ip"})
	return &DenialBlocked, nil
}

func (g *Gateway) checkMethod(ctx context.Context, info requestInfo, d *Decision) (*Denial, error) {
	if info.route.AllowsMethod(info.r.Method) {
		return nil, nil
	}
	d.Headers.Set("Allow", info.route.AllowHeader())
	g.notice(ctx, info, d, StageMethod, map[string]any{
		"reason":  "method_not_allowed",
		"allowed": info.route.Methods,
	})
	return &DenialMethodNotAllowed, nil
}

func (g *Gateway) notice(ctx context.Context, info requestInfo, d *Decision, stage Stage, details map[string]any) {
	key := info.ip + "|" + string(stage)
	if g.notices.Contains(key) {
		return
	}
	g.notices.Add(key, struct{}{})
	details["stage"] = string(stage)
	g.emit(ctx, info, d, monitor.EventSuspiciousActivity, monitor.SeverityLow, details)
}

func (g *Gateway) checkRateLimit(ctx context.Context, info requestInfo, d *Decision) (*Denial, error) {
	if info.route.RateLimit == "" {
		return nil, nil
	}
	policy, ok := g.deps.Policies[info.route.RateLimit]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ratelimit.ErrPolicyNotFound, info.route.RateLimit)
	}
	res, err := g.deps.Limiter.Check(ctx, info.r, policy)
	if err != nil {
		return nil, err
	}
	d.RateLimit = &res
	if res.Allowed {
		return nil, nil
	}
	for k, vs := range res.Headers() {
		d.Headers[k] = vs
	}
	g.emit(ctx, info, d, monitor.EventRateLimit, monitor.SeverityMedium, map[string]any{
		"policy":         policy.Name,
		"limit":          res.Limit,
		"retry_after_ms": res.RetryAfter.Milliseconds(),
	})
	denial := DenialRateLimited
	if policy.Message != "" {
		denial.Message = policy.Message
	}
	return &denial, nil
}

func (g *Gateway) checkOrigin(ctx context.Context, info requestInfo, d *Decision) (*Denial, error) {
	if info.route.SkipOrigin {
		return nil, nil
	}
	res := g.deps.Origins.Validate(info.r)
	if res.Valid {
		return nil, nil
	}
	g.emit(ctx, info, d, monitor.EventOriginViolation, monitor.SeverityHigh, map[string]any{
		"origin":  res.Origin,
		"source":  string(res.Source),
		"reason":  string(res.Reason),
		"allowed": g.deps.Origins.Allowed(),
	})
	return &DenialInvalidOrigin, nil
}

func (g *Gateway) checkCSRF(ctx context.Context, info requestInfo, d *Decision) (*Denial, error) {
	if info.route.SkipCSRF {
		return nil, nil
	}
	res := g.deps.Tokens.Validate(info.r)
	if res.Valid {
		return nil, nil
	}
	g.emit(ctx, info, d, monitor.EventCSRFFailure, monitor.SeverityHigh, map[string]any{
		"token_present": res.TokenPresent,
		"source":        string(res.Source),
		"reason":        string(res.Reason),
		"used_fallback": res.UsedFallback,
		"headers":       obfuscate.RedactHeaders(info.r.Header),
	})
	return &DenialCSRFInvalid, nil
}

func (g *Gateway) checkContentType(ctx context.Context, info requestInfo, d *Decision) (*Denial, error) {
	r := info.r
	if len(info.route.ContentTypes) == 0 || csrf.IsSafeMethod(r.Method) {
		return nil, nil
	}
	raw := r.Header.Get("Content-Type")
	if raw == "" && !hasBody(r) {
		return nil, nil
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err == nil && info.route.AcceptsContentType(mediaType) {
		return nil, nil
	}
	g.emit(ctx, info, d, monitor.EventContentTypeViolation, monitor.SeverityMedium, map[string]any{
		"content_type": raw,
		"allowed":      info.route.ContentTypes,
	})
	return &DenialInvalidContentType, nil
}

func (g *Gateway) emitFailure(ctx context.Context, info requestInfo, stage Stage, err error, d *Decision) {
	var typ monitor.EventType
	switch stage {
	case StageOrigin:
		typ = monitor.EventOriginViolation
	case StageCSRF:
		typ = monitor.EventCSRFFailure
	case StageContentType:
		typ = monitor.EventContentTypeViolation
	default:
		return
	}
	g.emit(ctx, info, d, typ, monitor.SeverityHigh, map[string]any{
		"reason": "internal_error",
		"error":  err.Error(),
	})
}

func (g *Gateway) emit(ctx context.Context, info requestInfo, d *Decision, typ monitor.EventType, sev monitor.Severity, details map[string]any) {
	details["route"] = info.route.Name
	e := g.deps.Monitor.LogEvent(ctx, monitor.Event{
		Type:      typ,
		Severity:  sev,
		RequestID: info.requestID,
		UserID:    info.userID,
		IP:        info.ip,
		UserAgent: info.r.UserAgent(),
		Path:      info.r.URL.Path,
		Method:    info.r.Method,
		Details:   details,
	})
	d.Event = &e
}

func (g *Gateway) observe(stage Stage, outcome string) {
	if g.deps.Metrics != nil {
		g.deps.Metrics.ObserveDecision(string(stage), outcome)
	}
}

// ReportAuthFailure records a failed authentication attempt for userID.
func (g *Gateway) ReportAuthFailure(ctx context.Context, r *http.Request, userID, reason string) monitor.Event {
	return g.deps.Monitor.LogEvent(ctx, monitor.Event{
		Type:      monitor.EventAuthFailure,
		Severity:  monitor.SeverityMedium,
		UserID:    userID,
		IP:        clientip.FromRequest(r),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		Method:    r.Method,
		Details:   map[string]any{"reason": reason},
	})
}

// IssueToken sets fresh or reused CSRF cookies on w for the caller of r and
// returns the token. A newly minted value emits a token_rotation event.
func (g *Gateway) IssueToken(ctx context.Context, w http.ResponseWriter, r *http.Request) (csrf.Token, error) {
	owner := g.UserID(ctx, r)
	current := g.deps.Tokens.CurrentValue(r)

	var (
		t   csrf.Token
		err error
	)
	if g.deps.Tokens.ShouldRotate(r) {
		t, err = g.deps.Tokens.Rotate(owner, current)
	} else {
		t, err = g.deps.Tokens.IssueOrReuse(owner, current)
	}
	if err != nil {
		return csrf.Token{}, err
	}
	g.deps.Tokens.SetCookies(w, t)
	if t.Value != current {
		g.deps.Monitor.LogEvent(ctx, monitor.Event{
			Type:      monitor.EventTokenRotation,
			Severity:  monitor.SeverityLow,
			UserID:    owner,
			IP:        clientip.FromRequest(r),
			UserAgent: r.UserAgent(),
			Path:      r.URL.Path,
			Method:    r.Method,
			Details:   map[string]any{"had_token": current != ""},
		})
	}
	return t, nil
}

// ApplyHardeningHeaders stamps the standard response hardening headers on h.
func ApplyHardeningHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("Pragma", "no-cache")
}
