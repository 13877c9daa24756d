// Package policy loads the catalog of rate-limit presets, route pipelines
// and alert thresholds. The catalog is data, read once at startup.
package policy

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sofatutor/deckguard/internal/gateway"
	"github.com/sofatutor/deckguard/internal/monitor"
	"github.com/sofatutor/deckguard/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

// ErrRouteNotFound is returned by Route for unknown route names.
var ErrRouteNotFound = errors.New("route policy not found")

// Route names used by the application server.
const (
	RouteHealth        = "health"
	RouteCSRFToken     = "csrf_token"
	RouteLogin         = "login"
	RouteDeckList      = "deck_list"
	RouteDeckUpload    = "deck_upload"
	RouteDeckTranslate = "deck_translate"
)

// Catalog is the parsed policy file.
type Catalog struct {
	RateLimits map[string]ratelimit.Policy             `yaml:"rate_limits"`
	Routes     map[string]gateway.Route                `yaml:"routes"`
	Thresholds map[monitor.EventType]monitor.Threshold `yaml:"thresholds"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	jsonBody := []string{"application/json"}
	return &Catalog{
		RateLimits: ratelimit.DefaultPolicies(),
		Routes: map[string]gateway.Route{
			RouteHealth: {
				Name: RouteHealth, Methods: []string{http.MethodGet, http.MethodHead},
				SkipIPBlock: true, SkipOrigin: true, SkipCSRF: true,
			},
			RouteCSRFToken: {
				Name: RouteCSRFToken, Methods: []string{http.MethodGet}, RateLimit: ratelimit.PolicyAPI,
				SkipCSRF: true,
			},
			RouteLogin: {
				Name: RouteLogin, Methods: []string{http.MethodPost}, RateLimit: ratelimit.PolicyLogin,
				ContentTypes: []string{"application/json", "application/x-www-form-urlencoded"},
			},
			RouteDeckList: {
				Name: RouteDeckList, Methods: []string{http.MethodGet}, RateLimit: ratelimit.PolicyAPI,
			},
			RouteDeckUpload: {
				Name: RouteDeckUpload, Methods: []string{http.MethodPost}, RateLimit: ratelimit.PolicyUpload,
				ContentTypes: []string{"multipart/form-data"},
			},
			RouteDeckTranslate: {
				Name: RouteDeckTranslate, Methods: []string{http.MethodPost}, RateLimit: ratelimit.PolicyTranslate,
				ContentTypes: jsonBody,
			},
		},
		Thresholds: monitor.DefaultThresholds(),
	}
}

// Load reads the catalog at path and overlays it on Default. A missing file
// yields the defaults.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		c := Default()
		return c, c.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("read policy catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and overlays it on Default.
func Parse(data []byte) (*Catalog, error) {
	var file Catalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy catalog: %w", err)
	}
	c := Default()
	for name, p := range file.RateLimits {
		p.Name = name
		c.RateLimits[name] = p
	}
	for name, rt := range file.Routes {
		rt.Name = name
		c.Routes[name] = rt
	}
	for t, th := range file.Thresholds {
		c.Thresholds[t] = th
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks internal consistency.
func (c *Catalog) Validate() error {
	var errs []error
	for _, p := range c.RateLimits {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for name, rt := range c.Routes {
		if rt.RateLimit == "" {
			continue
		}
		if _, ok := c.RateLimits[rt.RateLimit]; !ok {
			errs = append(errs, fmt.Errorf("route %q: %w: %s", name, ratelimit.ErrPolicyNotFound, rt.RateLimit))
		}
	}
	for t, th := range c.Thresholds {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("threshold for unknown event type %q", t))
			continue
		}
		if th.Count <= 0 || th.Window <= 0 || th.Severity.Rank() == 0 {
			errs = append(errs, fmt.Errorf("threshold %q: count, window and severity are required", t))
		}
	}
	return errors.Join(errs...)
}

// Route returns the named route.
func (c *Catalog) Route(name string) (gateway.Route, error) {
	rt, ok := c.Routes[name]
	if !ok {
		return gateway.Route{}, fmt.Errorf("%w: %s", ErrRouteNotFound, name)
	}
	return rt, nil
}

// MaxWindow is the longest rate-limit window, the minimum key TTL for the
// in-memory counter.
func (c *Catalog) MaxWindow() time.Duration {
	return ratelimit.MaxWindow(c.RateLimits)
}
