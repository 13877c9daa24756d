package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sofatutor/deckguard/internal/clientip"
	"github.com/sofatutor/deckguard/internal/logging"
	"go.uber.org/zap"
)

// Result is the outcome of a policy check for one request.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
	Key        string
	Policy     string
}

// Headers returns the X-RateLimit-* headers for the result, plus
// Retry-After (whole seconds, at least 1) when the request was denied.
func (r Result) Headers() http.Header {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	if !r.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt.Unix(), 10))
	}
	if !r.Allowed {
		secs := int(math.Ceil(r.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
	return h
}

// Limiter applies policies to requests on top of a Counter.
type Limiter struct {
	counter Counter
	hasher  *clientip.Hasher
	logger  *zap.Logger
}

// NewLimiter creates a Limiter. Unauthenticated clients are keyed by
// hasher's identifier for their address and user agent.
func NewLimiter(counter Counter, hasher *clientip.Hasher, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hasher == nil {
		hasher = clientip.NewHasher("")
	}
	return &Limiter{counter: counter, hasher: hasher, logger: logger}
}

// Key returns the counter key for r under p. The authenticated user, read
// from ctx, takes precedence over the client identifier.
func (l *Limiter) Key(ctx context.Context, r *http.Request, p Policy) string {
	key := p.Name + ":"
	if p.KeyPrefix != "" {
		key += p.KeyPrefix + ":"
	}
	if user := logging.GetUserID(ctx); user != "" {
		return key + "user:" + user
	}
	return key + "client:" + l.hasher.RequestIdentifier(r)
}

// Check records r against p.
func (l *Limiter) Check(ctx context.Context, r *http.Request, p Policy) (Result, error) {
	key := l.Key(ctx, r, p)
	wr, err := l.counter.Check(ctx, key, p.Window, p.Max)
	res := Result{
		Allowed:    wr.Allowed,
		Limit:      p.Max,
		Remaining:  wr.Remaining,
		RetryAfter: wr.RetryAfter,
		ResetAt:    wr.ResetAt,
		Key:        key,
		Policy:     p.Name,
	}
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		logging.WithRequestContext(ctx, l.logger).Debug("rate limit exceeded",
			zap.String("policy", p.Name),
			zap.Duration("retry_after", res.RetryAfter))
	}
	return res, nil
}

// Release gives back the slot r consumed under p.
func (l *Limiter) Release(ctx context.Context, r *http.Request, p Policy) error {
	return l.counter.Undo(ctx, l.Key(ctx, r, p))
}
