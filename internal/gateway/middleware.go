package gateway

import (
	"net/http"

	"github.com/sofatutor/deckguard/internal/logging"
	"go.uber.org/zap"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware guards next with the pipeline for route. Denied requests get a
// JSON error body; allowed requests reach next with the request and user IDs
// in their context, rate-limit headers set and the CSRF token rotated when due.
func (g *Gateway) Middleware(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ApplyHardeningHeaders(w.Header())

			d := g.Evaluate(r.Context(), r, route)
			if !d.Allowed {
				WriteDenial(w, d)
				return
			}

			ctx := logging.WithRequestID(r.Context(), d.RequestID)
			if d.UserID != "" {
				ctx = logging.WithUserID(ctx, d.UserID)
			}
			r = r.WithContext(ctx)

			h := w.Header()
			h.Set("X-Request-Id", d.RequestID)
			if d.RateLimit != nil {
				for k, vs := range d.RateLimit.Headers() {
					h[k] = vs
				}
			}
			if !route.SkipCSRF && g.deps.Tokens.ShouldRotate(r) {
				if _, err := g.IssueToken(ctx, w, r); err != nil {
					logging.WithRequestContext(ctx, g.logger).Error("failed to rotate csrf token", zap.Error(err))
				}
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if d.RateLimit == nil {
				return
			}
			policy := g.deps.Policies[route.RateLimit]
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			if policy.SkipSuccessfulRequests && status < http.StatusBadRequest {
				if err := g.deps.Limiter.Release(ctx, r, policy); err != nil {
					logging.WithRequestContext(ctx, g.logger).Warn("failed to release rate limit slot",
						zap.String("policy", policy.Name), zap.Error(err))
				}
			}
		})
	}
}
