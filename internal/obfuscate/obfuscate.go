// Package obfuscate holds the redaction helpers used before secrets reach a log line.
package obfuscate

import (
	"net/http"
	"strings"
)

// ObfuscateTokenGeneric masks a token-like string for display or logging.
//   - length <= 4: all asterisks of the same length
//   - 5..12: first 2 characters, the rest asterisks
//   - > 12: first 8 characters, "...", last 4 characters
func ObfuscateTokenGeneric(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	if len(s) <= 12 {
		return s[:2] + strings.Repeat("*", len(s)-2)
	}
	return s[:8] + "..." + s[len(s)-4:]
}

// sensitiveHeaders are replaced wholesale by RedactHeaders.
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Proxy-Authorization": true,
	"Set-Cookie":          true,
	"X-Api-Key":           true,
	"X-Csrf-Token":        true,
}

// RedactHeaders returns a flattened copy of h suitable for logging, with
// credential-bearing headers masked.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		key := http.CanonicalHeaderKey(k)
		joined := strings.Join(v, ", ")
		if sensitiveHeaders[key] {
			joined = ObfuscateTokenGeneric(joined)
		}
		out[key] = joined
	}
	return out
}
