package gateway

import (
	"net/http"
	"strings"
)

// Stage names a step of the pipeline.
type Stage string

const (
	StageIPBlock     Stage = "ip_block"
	StageMethod      Stage = "method"
	StageRateLimit   Stage = "rate_limit"
	StageOrigin      Stage = "origin"
	StageCSRF        Stage = "csrf"
	StageContentType Stage = "content_type"
	StageAllow       Stage = "allow"
)

// FailMode decides what an internal error inside a stage does to the request.
type FailMode int

const (
	// FailClosed denies the request.
	FailClosed FailMode = iota
	// FailOpen lets the request continue to the next stage.
	FailOpen
)

func (m FailMode) String() string {
	if m == FailOpen {
		return "open"
	}
	return "closed"
}

// DefaultFailModes lets the limiter and block list fail open, so a fault in
// either cannot take the site down, and keeps the forgery checks closed.
func DefaultFailModes() map[Stage]FailMode {
	return map[Stage]FailMode{
		StageIPBlock:     FailOpen,
		StageMethod:      FailClosed,
		StageRateLimit:   FailOpen,
		StageOrigin:      FailClosed,
		StageCSRF:        FailClosed,
		StageContentType: FailClosed,
	}
}

// Route is the per-endpoint pipeline configuration.
type Route struct {
	Name string `yaml:"name" json:"name"`
	// Methods is the allow-list; empty allows any method.
	Methods []string `yaml:"methods" json:"methods,omitempty"`
	// RateLimit names a policy; empty skips the stage.
	RateLimit   string `yaml:"rate_limit" json:"rate_limit,omitempty"`
	SkipIPBlock bool   `yaml:"skip_ip_block" json:"skip_ip_block,omitempty"`
	SkipOrigin  bool   `yaml:"skip_origin" json:"skip_origin,omitempty"`
	SkipCSRF    bool   `yaml:"skip_csrf" json:"skip_csrf,omitempty"`
	// ContentTypes lists accepted media types for requests with a body;
	// empty skips the stage.
	ContentTypes []string `yaml:"content_types" json:"content_types,omitempty"`
}

// AllowsMethod reports whether method passes the route's allow-list.
func (rt Route) AllowsMethod(method string) bool {
	if len(rt.Methods) == 0 {
		return true
	}
	for _, m := range rt.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// AllowHeader returns the value of the Allow header for the route.
func (rt Route) AllowHeader() string {
	methods := make([]string, 0, len(rt.Methods))
	for _, m := range rt.Methods {
		methods = append(methods, strings.ToUpper(m))
	}
	return strings.Join(methods, ", ")
}

// AcceptsContentType reports whether mediaType is on the route's list.
func (rt Route) AcceptsContentType(mediaType string) bool {
	for _, ct := range rt.ContentTypes {
		if strings.EqualFold(ct, mediaType) {
			return true
		}
	}
	return false
}

func hasBody(r *http.Request) bool {
	return r.ContentLength > 0 || len(r.TransferEncoding) > 0
}
