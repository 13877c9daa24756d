package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrPolicyNotFound is returned when a policy name is not registered.
var ErrPolicyNotFound = errors.New("rate limit policy not found")

// Preset names.
const (
	PolicyLogin     = "login"
	PolicyAuth      = "auth"
	PolicyAPI       = "api"
	PolicyUpload    = "upload"
	PolicyTranslate = "translate"
)

// Policy is a named rate-limit budget.
type Policy struct {
	Name   string        `yaml:"name" json:"name"`
	Window time.Duration `yaml:"window" json:"window"`
	Max    int           `yaml:"max" json:"max"`
	// KeyPrefix scopes the counter key, letting several routes share a budget.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix,omitempty"`
	// SkipSuccessfulRequests releases the slot when the handler succeeds.
	SkipSuccessfulRequests bool   `yaml:"skip_successful_requests" json:"skip_successful_requests"`
	Message                string `yaml:"message" json:"message,omitempty"`
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.Name == "" {
		return errors.New("rate limit policy requires a name")
	}
	if p.Window <= 0 {
		return fmt.Errorf("rate limit policy %q: window must be positive", p.Name)
	}
	if p.Max <= 0 {
		return fmt.Errorf("rate limit policy %q: max must be positive", p.Name)
	}
	return nil
}

// DefaultPolicies returns the built-in presets.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyLogin: {
			Name: PolicyLogin, Window: 15 * time.Minute, Max: 5,
			SkipSuccessfulRequests: true,
			Message:                "Too many login attempts, please try again later.",
		},
		PolicyAuth: {
			Name: PolicyAuth, Window: 15 * time.Minute, Max: 10,
			Message: "Too many authentication requests, please try again later.",
		},
		PolicyAPI: {
			Name: PolicyAPI, Window: time.Minute, Max: 100,
			Message: "Too many requests, please slow down.",
		},
		PolicyUpload: {
			Name: PolicyUpload, Window: time.Minute, Max: 10,
			Message: "Too many uploads, please wait before uploading again.",
		},
		PolicyTranslate: {
			Name: PolicyTranslate, Window: time.Minute, Max: 20,
			Message: "Too many translation requests, please wait.",
		},
	}
}

// MaxWindow returns the largest window among policies.
func MaxWindow(policies map[string]Policy) time.Duration {
	var longest time.Duration
	for _, p := range policies {
		if p.Window > longest {
			longest = p.Window
		}
	}
	return longest
}
