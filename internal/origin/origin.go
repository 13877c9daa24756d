// Package origin checks the claimed origin of state-changing requests
// against an allow-set.
package origin

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Source names the header a claimed origin came from.
type Source string

const (
	SourceNone    Source = ""
	SourceOrigin  Source = "origin"
	SourceReferer Source = "referer"
)

// Reason explains a validation outcome.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonSafeMethod     Reason = "safe_method"
	ReasonMissing        Reason = "missing"
	ReasonAllowedMissing Reason = "missing_allowed"
	ReasonNull           Reason = "null_origin"
	ReasonMalformed      Reason = "malformed"
	ReasonNotAllowed     Reason = "not_allowed"
)

// Result is the outcome of Validate.
type Result struct {
	Valid  bool
	Origin string
	Source Source
	Reason Reason
}

// Validator holds the normalized allow-set. It is immutable after construction.
type Validator struct {
	allowed      map[string]struct{}
	allowMissing bool
}

// NewValidator builds a Validator from origins. Entries that do not parse as
// absolute http(s) origins are ignored. allowMissing tolerates requests that
// carry neither Origin nor Referer.
func NewValidator(origins []string, allowMissing bool) *Validator {
	v := &Validator{allowed: make(map[string]struct{}), allowMissing: allowMissing}
	for _, o := range origins {
		if n, ok := Normalize(o); ok {
			v.allowed[n] = struct{}{}
		}
	}
	return v
}

// Allowed returns the sorted allow-set.
func (v *Validator) Allowed() []string {
	out := make([]string, 0, len(v.allowed))
	for o := range v.allowed {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// IsAllowed reports whether origin normalizes into the allow-set.
func (v *Validator) IsAllowed(origin string) bool {
	n, ok := Normalize(origin)
	if !ok {
		return false
	}
	_, found := v.allowed[n]
	return found
}

// Validate checks r. Safe methods always pass.
func (v *Validator) Validate(r *http.Request) Result {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return Result{Valid: true, Reason: ReasonSafeMethod}
	}

	claimed, source := r.Header.Get("Origin"), SourceOrigin
	if claimed == "" {
		claimed, source = r.Header.Get("Referer"), SourceReferer
	}
	if claimed == "" {
		if v.allowMissing {
			return Result{Valid: true, Reason: ReasonAllowedMissing}
		}
		return Result{Reason: ReasonMissing}
	}

	res := Result{Origin: claimed, Source: source}
	if strings.EqualFold(strings.TrimSpace(claimed), "null") {
		res.Reason = ReasonNull
		return res
	}
	n, ok := Normalize(claimed)
	if !ok {
		res.Reason = ReasonMalformed
		return res
	}
	res.Origin = n
	if _, found := v.allowed[n]; !found {
		res.Reason = ReasonNotAllowed
		return res
	}
	res.Valid = true
	res.Reason = ReasonOK
	return res
}

// Normalize reduces a URL or origin to lowercase scheme://host[:port], with
// default ports dropped. Only http and https are accepted.
func Normalize(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}
