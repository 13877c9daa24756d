// Package gateway runs the per-request security pipeline: IP block, method,
// rate limit, origin, CSRF and content-type checks, in that order.
package gateway

import (
	"encoding/json"
	"net/http"
)

// Denial is a fixed client-facing failure. Internals never appear in
// Message; they are attached to the emitted security event instead.
type Denial struct {
	Code    string
	Status  int
	Message string
}

var (
	DenialBlocked            = Denial{Code: "blocked", Status: http.StatusForbidden, Message: "Access temporarily restricted."}
	DenialMethodNotAllowed   = Denial{Code: "method_not_allowed", Status: http.StatusMethodNotAllowed, Message: "Method not allowed."}
	DenialRateLimited        = Denial{Code: "rate_limited", Status: http.StatusTooManyRequests, Message: "Too many requests, please try again later."}
	DenialInvalidOrigin      = Denial{Code: "invalid_origin", Status: http.StatusForbidden, Message: "Request origin not allowed."}
	DenialCSRFInvalid        = Denial{Code: "csrf_invalid", Status: http.StatusForbidden, Message: "Invalid or missing security token."}
	DenialInvalidContentType = Denial{Code: "invalid_content_type", Status: http.StatusUnsupportedMediaType, Message: "Unsupported content type."}
)

// ErrorBody is the JSON body written for a denied request.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// WriteDenial writes d's headers, status and JSON body to w.
func WriteDenial(w http.ResponseWriter, d Decision) {
	h := w.Header()
	for k, vs := range d.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: d.Message, Code: d.Code, RequestID: d.RequestID})
}
