package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sofatutor/deckguard/internal/clientip"
	"github.com/sofatutor/deckguard/internal/logging"
)

// NewAccessLogMiddleware logs one line per request with status and latency.
// 5xx responses log at error, 4xx at warn, the rest at info.
func NewAccessLogMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			crw := &captureResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(crw, r)

			level := zapcore.InfoLevel
			switch {
			case crw.statusCode >= 500:
				level = zapcore.ErrorLevel
			case crw.statusCode >= 400:
				level = zapcore.WarnLevel
			}
			logging.WithRequestContext(r.Context(), logger).Check(level, "request completed").Write(
				zap.String(logging.FieldMethod, r.Method),
				zap.String(logging.FieldPath, r.URL.Path),
				zap.Int("status", crw.statusCode),
				zap.Int64("bytes", crw.bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String(logging.FieldClientIP, clientip.FromRequest(r)),
			)
		})
	}
}

// captureResponseWriter records status and size while keeping streaming support.
type captureResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	bytes       int64
	wroteHeader bool
}

func (w *captureResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *captureResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *captureResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}

func (w *captureResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
