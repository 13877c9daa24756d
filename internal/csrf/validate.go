package csrf

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/sofatutor/deckguard/internal/logging"
	"go.uber.org/zap"
)

// Source names where the client-echoed token was found.
type Source string

const (
	SourceNone   Source = ""
	SourceHeader Source = "header"
	SourceCookie Source = "cookie"
	SourceBody   Source = "body"
)

// Reason explains a validation outcome.
type Reason string

const (
	ReasonOK            Reason = "ok"
	ReasonSafeMethod    Reason = "safe_method"
	ReasonMissingCookie Reason = "missing_cookie"
	ReasonMissingToken  Reason = "missing_token"
	ReasonInvalidLength Reason = "invalid_length"
	ReasonMismatch      Reason = "mismatch"
	ReasonUnknownToken  Reason = "unknown_token"
	ReasonExpired       Reason = "expired"
)

// Result is the outcome of Validate.
type Result struct {
	Valid bool
	// Reason is ReasonOK or ReasonSafeMethod when Valid.
	Reason Reason
	// TokenPresent reports whether the client supplied any token.
	TokenPresent bool
	Source       Source
	// UsedFallback reports that the readable cookie stood in for the meta cookie.
	UsedFallback bool
}

// IsSafeMethod reports whether method never requires a token.
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Validate checks the double-submitted token on r.
func (s *Store) Validate(r *http.Request) Result {
	if IsSafeMethod(r.Method) {
		return Result{Valid: true, Reason: ReasonSafeMethod}
	}

	clientValue, source := s.clientToken(r)
	res := Result{TokenPresent: clientValue != "", Source: source}

	serverValue := cookieValue(r, MetaCookieName)
	if serverValue == "" && s.cfg.AllowCookieFallback {
		if serverValue = cookieValue(r, CookieName); serverValue != "" {
			res.UsedFallback = true
			logging.WithRequestContext(r.Context(), s.logger).Warn("csrf meta cookie missing, using readable cookie fallback",
				zap.String(logging.FieldPath, r.URL.Path))
		}
	}
	if serverValue == "" {
		res.Reason = ReasonMissingCookie
		return res
	}
	if clientValue == "" {
		res.Reason = ReasonMissingToken
		return res
	}
	if len(serverValue) != TokenLength || len(clientValue) != TokenLength {
		res.Reason = ReasonInvalidLength
		return res
	}
	if subtle.ConstantTimeCompare([]byte(serverValue), []byte(clientValue)) != 1 {
		res.Reason = ReasonMismatch
		return res
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[serverValue]
	if !ok {
		res.Reason = ReasonUnknownToken
		return res
	}
	if !t.usableAt(now, s.cfg.GracePeriod) {
		res.Reason = ReasonExpired
		return res
	}
	t.LastUsedAt = now
	res.Valid = true
	res.Reason = ReasonOK
	return res
}

// ShouldRotate reports whether r carries no usable token, or its token's
// rotation deadline has passed.
func (s *Store) ShouldRotate(r *http.Request) bool {
	value := s.CurrentValue(r)
	if value == "" {
		return true
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[value]
	if !ok || !t.usableAt(now, s.cfg.GracePeriod) {
		return true
	}
	return now.After(t.ExpiresAt)
}

// CurrentValue returns the server-side token value carried by r's cookies.
func (s *Store) CurrentValue(r *http.Request) string {
	if v := cookieValue(r, MetaCookieName); v != "" {
		return v
	}
	if s.cfg.AllowCookieFallback {
		return cookieValue(r, CookieName)
	}
	return ""
}

// clientToken finds the echoed token: header, then readable cookie, then body.
func (s *Store) clientToken(r *http.Request) (string, Source) {
	if v := r.Header.Get(HeaderName); v != "" {
		return v, SourceHeader
	}
	if v := cookieValue(r, CookieName); v != "" {
		return v, SourceCookie
	}
	if v := s.bodyToken(r); v != "" {
		return v, SourceBody
	}
	return "", SourceNone
}

// bodyToken reads up to MaxBodyBytes of a form or JSON body looking for
// FormField. The body is restored so handlers see it unchanged.
func (s *Store) bodyToken(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	if mediaType != "application/x-www-form-urlencoded" && mediaType != "application/json" {
		return ""
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil {
		return ""
	}

	if mediaType == "application/json" {
		var payload map[string]any
		if json.Unmarshal(buf, &payload) != nil {
			return ""
		}
		v, _ := payload[FormField].(string)
		return v
	}
	values, err := url.ParseQuery(string(buf))
	if err != nil {
		return ""
	}
	return values.Get(FormField)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
