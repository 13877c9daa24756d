// Package server implements the application HTTP server. Every route is
// guarded by the security gateway with the policy named for it in the
// catalog; the handlers behind it serve health, CSRF token issuance, login
// and the deck endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/deckguard/internal/config"
	"github.com/sofatutor/deckguard/internal/csrf"
	"github.com/sofatutor/deckguard/internal/gateway"
	"github.com/sofatutor/deckguard/internal/logging"
	"github.com/sofatutor/deckguard/internal/middleware"
	"github.com/sofatutor/deckguard/internal/policy"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// deckFormField is the multipart field carrying an uploaded deck.
const deckFormField = "deck"

// multipartMemory is how much of an upload ParseMultipartForm keeps in memory.
const multipartMemory = 8 << 20

var (
	deckExtensions = map[string]bool{".pptx": true, ".ppt": true, ".pdf": true, ".key": true, ".odp": true}
	languageTag    = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z0-9]{2,8})*$`)
)

// Deps are the collaborators of the server.
type Deps struct {
	Gateway *gateway.Gateway
	Catalog *policy.Catalog
	Decks   DeckService
	Auth    Authenticator
	// Metrics serves the metrics endpoint; nil disables it.
	Metrics http.Handler
	// Redis, when set, is reported on the health endpoint.
	Redis  RedisHealth
	Logger *zap.Logger
}

// RedisHealth is the distributed rate-limit backend as seen by the health check.
type RedisHealth interface {
	IsRedisAvailable() bool
	CheckRedisHealth(ctx context.Context) error
}

// Server represents the application HTTP server.
type Server struct {
	server  *http.Server
	config  *config.Config
	gw      *gateway.Gateway
	catalog *policy.Catalog
	decks   DeckService
	auth    Authenticator
	redis   RedisHealth
	logger  *zap.Logger
}

// HealthResponse is the response body for the health check endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// CSRFTokenResponse is returned by the token endpoint.
type CSRFTokenResponse struct {
	Token     string    `json:"csrf_token"`
	Header    string    `json:"header"`
	ExpiresAt time.Time `json:"expires_at"`
}

// endpoint binds a catalog route to the handler serving it.
type endpoint struct {
	route   gateway.Route
	handler http.Handler
}

// New creates the server and registers its routes. The server is not
// started until Start is called.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Gateway == nil {
		return nil, errors.New("server requires a gateway")
	}
	if deps.Catalog == nil {
		deps.Catalog = policy.Default()
	}
	if deps.Decks == nil {
		return nil, errors.New("server requires a deck service")
	}
	if deps.Auth == nil {
		return nil, errors.New("server requires an authenticator")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		config:  cfg,
		gw:      deps.Gateway,
		catalog: deps.Catalog,
		decks:   deps.Decks,
		auth:    deps.Auth,
		redis:   deps.Redis,
		logger:  deps.Logger,
	}

	mux := http.NewServeMux()
	routes := []struct {
		pattern   string
		endpoints map[string]http.HandlerFunc
	}{
		{"/health", map[string]http.HandlerFunc{policy.RouteHealth: s.handleHealth}},
		{"/api/csrf-token", map[string]http.HandlerFunc{policy.RouteCSRFToken: s.handleCSRFToken}},
		{"/api/auth/login", map[string]http.HandlerFunc{policy.RouteLogin: s.handleLogin}},
		{"/api/decks", map[string]http.HandlerFunc{
			policy.RouteDeckList:   s.handleListDecks,
			policy.RouteDeckUpload: s.handleUploadDeck,
		}},
		{"/api/decks/{id}/translate", map[string]http.HandlerFunc{policy.RouteDeckTranslate: s.handleTranslateDeck}},
	}
	for _, rt := range routes {
		h, err := s.guarded(rt.endpoints)
		if err != nil {
			return nil, err
		}
		mux.Handle(rt.pattern, h)
	}

	if cfg.EnableMetrics && deps.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, deps.Metrics)
	}
	mux.HandleFunc("/", s.handleNotFound)

	handler := middleware.Chain(mux,
		middleware.NewRequestIDMiddleware(),
		middleware.NewAccessLogMiddleware(s.logger),
	)

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout,
		IdleTimeout:       cfg.RequestTimeout * 2,
	}
	return s, nil
}

// guarded wraps each handler in the gateway middleware for its catalog
// route and dispatches by method. A method no route accepts is evaluated
// against the first route with the union of all methods, so the gateway
// answers 405 with a complete Allow header.
func (s *Server) guarded(handlers map[string]http.HandlerFunc) (http.Handler, error) {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	endpoints := make([]endpoint, 0, len(names))
	var methods []string
	for _, name := range names {
		route, err := s.catalog.Route(name)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint{
			route:   route,
			handler: s.gw.Middleware(route)(handlers[name]),
		})
		methods = append(methods, route.Methods...)
	}

	fallbackRoute := endpoints[0].route
	fallbackRoute.Methods = methods
	fallback := s.gw.Middleware(fallbackRoute)(http.HandlerFunc(s.handleNotFound))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, ep := range endpoints {
			if ep.route.AllowsMethod(r.Method) {
				ep.handler.ServeHTTP(w, r)
				return
			}
		}
		fallback.ServeHTTP(w, r)
	}), nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server. It blocks until the server is shut down or
// fails; after Shutdown it returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("Server starting", zap.String("addr", s.config.ListenAddr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server without interrupting active
// connections, waiting until they finish or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth answers 200 while Redis is down, with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   Version,
	}
	if s.redis != nil {
		resp.Checks = map[string]string{"redis": "ok"}
		if !s.redis.IsRedisAvailable() {
			if err := s.redis.CheckRedisHealth(r.Context()); err != nil {
				logging.WithRequestContext(r.Context(), s.logger).Warn("health check: redis unavailable", zap.Error(err))
				resp.Status = "degraded"
				resp.Checks["redis"] = "unavailable"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.gw.IssueToken(r.Context(), w, r)
	if err != nil {
		logging.WithRequestContext(r.Context(), s.logger).Error("failed to issue csrf token", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "failed to issue csrf token")
		return
	}
	writeJSON(w, http.StatusOK, CSRFTokenResponse{
		Token:     t.Value,
		Header:    csrf.HeaderName,
		ExpiresAt: t.ExpiresAt,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLogin(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid login request")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	userID, err := s.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		reason := "invalid_credentials"
		if !errors.Is(err, ErrInvalidCredentials) {
			reason = "authenticator_error"
			logging.WithRequestContext(r.Context(), s.logger).Error("authentication failed", zap.Error(err))
		}
		s.gw.ReportAuthFailure(r.Context(), r, req.Username, reason)
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ctx := logging.WithUserID(r.Context(), userID)
	t, err := s.gw.IssueToken(ctx, w, r)
	if err != nil {
		logging.WithRequestContext(ctx, s.logger).Error("failed to issue csrf token after login", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"csrf_token": t.Value,
	})
}

func decodeLogin(r *http.Request) (loginRequest, error) {
	var req loginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
		return req, nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req)
	return req, err
}

func (s *Server) handleListDecks(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	decks, err := s.decks.ListDecks(r.Context(), owner)
	if err != nil {
		logging.WithRequestContext(r.Context(), s.logger).Error("failed to list decks", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "failed to list decks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decks": decks})
}

func (s *Server) handleUploadDeck(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.config.MaxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "deck exceeds the upload size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(deckFormField)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("missing %q file field", deckFormField))
		return
	}
	defer func() { _ = file.Close() }()

	name := filepath.Base(header.Filename)
	if !deckExtensions[strings.ToLower(filepath.Ext(name))] {
		writeError(w, r, http.StatusBadRequest, "unsupported deck format")
		return
	}

	deck, err := s.decks.UploadDeck(r.Context(), owner, name, file)
	if err != nil {
		logging.WithRequestContext(r.Context(), s.logger).Error("failed to store deck", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "failed to store deck")
		return
	}
	logging.WithRequestContext(r.Context(), s.logger).Info("deck uploaded",
		zap.String("deck_id", deck.ID), zap.Int64("size", deck.Size))
	writeJSON(w, http.StatusCreated, deck)
}

type translateRequest struct {
	TargetLanguage string `json:"target_language"`
}

func (s *Server) handleTranslateDeck(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req translateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid translation request")
		return
	}
	if !languageTag.MatchString(req.TargetLanguage) {
		writeError(w, r, http.StatusBadRequest, "target_language must be a language tag such as \"de\" or \"pt-BR\"")
		return
	}

	tr, err := s.decks.TranslateDeck(r.Context(), owner, r.PathValue("id"), req.TargetLanguage)
	switch {
	case errors.Is(err, ErrDeckNotFound):
		writeError(w, r, http.StatusNotFound, "deck not found")
	case err != nil:
		logging.WithRequestContext(r.Context(), s.logger).Error("failed to queue translation", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "failed to queue translation")
	default:
		writeJSON(w, http.StatusAccepted, tr)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not found")
}

// requireUser returns the authenticated user the gateway put in the context.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := logging.GetUserID(r.Context())
	if owner == "" {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return owner, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	body := map[string]string{"error": msg}
	if id := logging.GetRequestID(r.Context()); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, status, body)
}
