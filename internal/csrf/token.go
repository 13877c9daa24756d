// Package csrf implements double-submit anti-forgery tokens with time-boxed
// rotation, a grace period for in-flight requests and per-owner token caps.
package csrf

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// TokenBytes is the entropy of a token.
	TokenBytes = 32
	// TokenLength is the encoded length of every valid token.
	TokenLength = 43

	// MetaCookieName is the HttpOnly cookie holding the server copy.
	MetaCookieName = "deckguard_csrf_meta"
	// CookieName is the script-readable cookie the client echoes back.
	CookieName = "deckguard_csrf"
	// HeaderName carries the client-echoed token.
	HeaderName = "X-CSRF-Token"
	// FormField carries the client-echoed token in a form or JSON body.
	FormField = "csrf_token"
)

// Token is an issued anti-forgery token.
type Token struct {
	Value      string    `json:"value"`
	OwnerID    string    `json:"owner_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// usableAt reports whether t may still be matched at now.
func (t *Token) usableAt(now time.Time, grace time.Duration) bool {
	return !now.After(t.ExpiresAt.Add(grace))
}

func generateValue() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
