// Package middleware holds the HTTP middleware shared by the app server:
// request/correlation id propagation and access logging.
package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sofatutor/deckguard/internal/logging"
)

// Middleware defines a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Header names for id propagation.
const (
	RequestIDHeader     = "X-Request-Id"
	CorrelationIDHeader = "X-Correlation-Id"
)

const maxInboundIDLength = 64

// Chain applies mws so that the first one is outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NewRequestIDMiddleware puts request and correlation ids into the request
// context and echoes them as response headers. Inbound ids are kept only
// when they look safe to log; anything else is replaced by a fresh UUID.
func NewRequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := getOrGenerateID(r.Header.Get(RequestIDHeader))
			correlationID := getOrGenerateID(r.Header.Get(CorrelationIDHeader))

			ctx := logging.WithRequestID(r.Context(), requestID)
			ctx = logging.WithCorrelationID(ctx, correlationID)

			w.Header().Set(RequestIDHeader, requestID)
			w.Header().Set(CorrelationIDHeader, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getOrGenerateID(existingID string) string {
	existingID = strings.TrimSpace(existingID)
	if !validID(existingID) {
		return uuid.New().String()
	}
	return existingID
}

func validID(id string) bool {
	if id == "" || len(id) > maxInboundIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
