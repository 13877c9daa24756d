// Package admin provides the operator API: security statistics, recent
// alerts, the durable event log and the IP block list, behind a management
// token or a cookie session.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sofatutor/deckguard/internal/audit"
	"github.com/sofatutor/deckguard/internal/config"
	"github.com/sofatutor/deckguard/internal/database"
	"github.com/sofatutor/deckguard/internal/encryption"
	"github.com/sofatutor/deckguard/internal/monitor"
	"github.com/sofatutor/deckguard/internal/obfuscate"
)

const (
	sessionName     = "deckguard_admin"
	sessionKey      = "operator"
	sessionMaxAge   = 8 * 60 * 60
	defaultWindow   = time.Hour
	defaultAlerts   = 50
	maxAlerts       = 500
	operatorContext = "operator_auth"
)

// EventStore is the read side of the durable security event log.
type EventStore interface {
	ListSecurityEvents(ctx context.Context, f database.EventFilter) ([]monitor.Event, error)
}

// Deps are the services the operator API reads and mutates.
type Deps struct {
	Monitor    *monitor.Monitor
	Events     EventStore
	Audit      *audit.Logger
	Credential *encryption.Credential
	Logger     *zap.Logger
}

// Server is the operator API HTTP server.
type Server struct {
	server     *http.Server
	config     *config.Config
	engine     *gin.Engine
	monitor    *monitor.Monitor
	events     EventStore
	credential *encryption.Credential
	logger     *zap.Logger

	auditLogger *audit.Logger
}

// getSessionSecret returns the cookie signing key. Outside production the
// management token stands in when no secret is configured.
func getSessionSecret(cfg *config.Config) []byte {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret)
	}
	return []byte(cfg.ManagementToken + "deckguard-cookie-salt")
}

// NewServer creates the operator API server.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Monitor == nil {
		return nil, errors.New("admin server requires a monitor")
	}
	if deps.Credential == nil {
		return nil, errors.New("admin server requires a management credential")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	auditLogger := deps.Audit
	if auditLogger == nil {
		auditLogger = audit.NewNullLogger()
	}

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(accessLog(logger))

	store := cookie.NewStore(getSessionSecret(cfg))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: http.SameSiteStrictMode,
	})
	engine.Use(sessions.Sessions(sessionName, store))

	s := &Server{
		config:      cfg,
		engine:      engine,
		monitor:     deps.Monitor,
		events:      deps.Events,
		credential:  deps.Credential,
		logger:      logger,
		auditLogger: auditLogger,
		server: &http.Server{
			Addr:         cfg.AdminListenAddr,
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the gin engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server without interrupting active connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := s.engine.Group("/auth")
	{
		auth.POST("/login", s.handleLogin)
		auth.POST("/logout", s.handleLogout)
	}

	api := s.engine.Group("/api")
	api.Use(s.authMiddleware())
	{
		api.GET("/stats", s.handleStats)
		api.GET("/alerts", s.handleAlerts)
		api.GET("/events", s.handleEvents)
		api.GET("/blocks", s.handleBlocksList)
		api.POST("/blocks", s.handleBlockCreate)
		api.DELETE("/blocks/:ip", s.handleBlockDelete)
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()),
		)
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		ManagementToken string `form:"management_token" json:"management_token" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "management_token is required"})
		return
	}

	if err := s.credential.Verify(req.ManagementToken); err != nil {
		s.logger.Warn("operator login rejected",
			zap.String("token", obfuscate.ObfuscateTokenGeneric(req.ManagementToken)),
			zap.String("client_ip", c.ClientIP()))
		s.audit(c, audit.NewEvent(audit.ActionAdminLogin, audit.ActorAnonymous, audit.ResultFailure).
			WithTokenID(req.ManagementToken))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid management token"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionKey, true)
	if err := session.Save(); err != nil {
		s.logger.Error("session save error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	s.audit(c, audit.NewEvent(audit.ActionAdminLogin, audit.ActorOperator, audit.ResultSuccess))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLogout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		s.logger.Error("session save error", zap.Error(err))
	}
	s.audit(c, audit.NewEvent(audit.ActionAdminLogout, audit.ActorOperator, audit.ResultSuccess))
	c.Status(http.StatusNoContent)
}

// authMiddleware accepts a bearer management token or an operator session.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || s.credential.Verify(token) != nil {
				s.audit(c, audit.NewEvent(audit.ActionAdminAccess, audit.ActorAnonymous, audit.ResultFailure).
					WithDetail("auth", "bearer"))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management token"})
				return
			}
			c.Set(operatorContext, "bearer")
			c.Next()
			return
		}

		if ok, _ := sessions.Default(c).Get(sessionKey).(bool); ok {
			c.Set(operatorContext, "session")
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
}

func (s *Server) handleStats(c *gin.Context) {
	window := defaultWindow
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive duration"})
			return
		}
		window = d
	}
	c.JSON(http.StatusOK, s.monitor.Statistics(window))
}

// AlertsResponse is the body of GET /api/alerts.
type AlertsResponse struct {
	Alerts []monitor.Alert `json:"alerts"`
	Count  int             `json:"count"`
}

func (s *Server) handleAlerts(c *gin.Context) {
	limit, err := queryLimit(c, defaultAlerts, maxAlerts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	alerts := s.monitor.RecentAlerts(limit)
	c.JSON(http.StatusOK, AlertsResponse{Alerts: alerts, Count: len(alerts)})
}

// EventsResponse is the body of GET /api/events.
type EventsResponse struct {
	Events []monitor.Event `json:"events"`
	Count  int             `json:"count"`
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "security event store is disabled"})
		return
	}
	f, err := parseEventFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	events, err := s.events.ListSecurityEvents(c.Request.Context(), f)
	if err != nil {
		s.logger.Error("failed to list security events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list security events"})
		return
	}
	if events == nil {
		events = []monitor.Event{}
	}
	c.JSON(http.StatusOK, EventsResponse{Events: events, Count: len(events)})
}

func parseEventFilter(c *gin.Context) (database.EventFilter, error) {
	f := database.EventFilter{
		IP:        c.Query("ip"),
		UserID:    c.Query("user"),
		RequestID: c.Query("request_id"),
	}
	if raw := c.Query("type"); raw != "" {
		t := monitor.EventType(raw)
		if !t.Valid() {
			return f, fmt.Errorf("unknown event type %q", raw)
		}
		f.Type = t
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("since must be an RFC3339 timestamp")
		}
		f.Since = since
	}
	limit, err := queryLimit(c, database.DefaultListLimit, database.MaxListLimit)
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func queryLimit(c *gin.Context, def, max int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

// BlocksResponse is the body of GET /api/blocks.
type BlocksResponse struct {
	Blocks []monitor.BlockedIP `json:"blocks"`
}

func (s *Server) handleBlocksList(c *gin.Context) {
	c.JSON(http.StatusOK, BlocksResponse{Blocks: s.monitor.BlockedIPs()})
}

// BlockRequest is the body of POST /api/blocks. Duration is a Go duration
// string; empty uses the configured block duration.
type BlockRequest struct {
	IP       string `json:"ip" binding:"required"`
	Duration string `json:"duration,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleBlockCreate(c *gin.Context) {
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip is required"})
		return
	}
	if net.ParseIP(req.IP) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip must be a valid IP address"})
		return
	}
	var d time.Duration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "duration must be a positive duration"})
			return
		}
		d = parsed
	}
	if req.Reason == "" {
		req.Reason = "operator"
	}

	b := s.monitor.BlockIP(req.IP, d, req.Reason)
	s.audit(c, audit.NewEvent(audit.ActionAdminBlock, audit.ActorOperator, audit.ResultSuccess).
		WithDetail("ip", b.IP).
		WithDetail("reason", b.Reason).
		WithDetail("until", b.Until))
	c.JSON(http.StatusCreated, b)
}

func (s *Server) handleBlockDelete(c *gin.Context) {
	ip := c.Param("ip")
	if !s.monitor.UnblockIP(ip) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ip is not blocked"})
		return
	}
	s.audit(c, audit.NewEvent(audit.ActionAdminUnblock, audit.ActorOperator, audit.ResultSuccess).
		WithDetail("ip", ip))
	c.Status(http.StatusNoContent)
}

func (s *Server) audit(c *gin.Context, e *audit.Event) {
	e = e.WithClientIP(c.ClientIP()).
		WithHTTPMethod(c.Request.Method).
		WithEndpoint(c.Request.URL.Path).
		WithUserAgent(c.Request.UserAgent())
	if via, ok := c.Get(operatorContext); ok {
		e = e.WithDetail("auth", via)
	}
	if err := s.auditLogger.Log(e); err != nil {
		s.logger.Error("failed to write audit event", zap.String("action", e.Action), zap.Error(err))
	}
}
