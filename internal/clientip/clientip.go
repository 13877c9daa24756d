// Package clientip resolves the client address of a request and derives the
// opaque identifier used as a rate-limit key.
package clientip

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Unknown is returned when no address can be resolved.
const Unknown = "unknown"

// ForwardedHeaders lists the headers consulted, in order, before RemoteAddr.
// X-Forwarded-For contributes only its first hop.
var ForwardedHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// FromRequest returns the client address of r.
func FromRequest(r *http.Request) string {
	if r == nil {
		return Unknown
	}
	for _, name := range ForwardedHeaders {
		v := r.Header.Get(name)
		if v == "" {
			continue
		}
		if name == "X-Forwarded-For" {
			v, _, _ = strings.Cut(v, ",")
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
	return Unknown
}

// Hasher derives stable client identifiers from address and user agent.
type Hasher struct {
	secret []byte
}

// NewHasher returns a Hasher keyed with secret. An empty secret is allowed
// but makes identifiers guessable.
func NewHasher(secret string) *Hasher {
	return &Hasher{secret: []byte(secret)}
}

// Identifier returns hex(HMAC-SHA256(ip + "|" + userAgent)).
func (h *Hasher) Identifier(ip, userAgent string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(ip))
	mac.Write([]byte("|"))
	mac.Write([]byte(userAgent))
	return hex.EncodeToString(mac.Sum(nil))
}

// RequestIdentifier is Identifier applied to the resolved address and
// User-Agent of r.
func (h *Hasher) RequestIdentifier(r *http.Request) string {
	return h.Identifier(FromRequest(r), r.UserAgent())
}
