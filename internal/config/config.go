// Package config handles application configuration loading and validation
// from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sofatutor/deckguard/internal/audit"
	"github.com/sofatutor/deckguard/internal/csrf"
	"github.com/sofatutor/deckguard/internal/database"
	"github.com/sofatutor/deckguard/internal/gateway"
	"github.com/sofatutor/deckguard/internal/monitor"
	"github.com/sofatutor/deckguard/internal/ratelimit"
)

// Event bus backends.
const (
	EventBusInMemory = "in-memory"
	EventBusRedis    = "redis"
	EventBusNone     = "none"
)

// Config holds all application configuration values loaded from environment variables.
type Config struct {
	// Server configuration
	ListenAddr      string        // Address to listen on (e.g., ":8080")
	RequestTimeout  time.Duration // Timeout for application requests
	ShutdownTimeout time.Duration // Grace period for in-flight requests on shutdown
	MaxRequestSize  int64         // Maximum size of incoming request bodies (deck uploads)

	// Environment
	APIEnv string // API environment: 'production', 'development', 'test'

	// Origins
	AppOrigins         []string // Origins of the first-party frontends
	TrustedOrigins     []string // Additional trusted origins (partner embeds, preview hosts)
	AllowMissingOrigin bool     // Accept browserless requests without Origin or Referer

	// Identity
	IdentityHeader   string // Header carrying the authenticated user set by the auth provider
	ClientHMACSecret string // Secret for hashing IP and User-Agent into client identifiers
	LoginUsers       string // "user=password" pairs for the login endpoint; passwords may be hashed

	// Policies
	PolicyPath string // Path to the security policy catalog YAML

	// Redis
	RedisURL       string // Redis connection URL; empty keeps counters in memory
	RedisKeyPrefix string // Key prefix for sliding window counters
	RedisFallback  bool   // Fall back to in-memory counters while Redis is down

	// Event bus configuration
	EventBusBackend string // "in-memory", "redis" or "none"
	AlertStreamKey  string // Redis stream receiving alerts

	// Database configuration
	DBDriver         string // sqlite, postgres or mysql
	DatabasePath     string // Path to the SQLite database file
	DatabaseURL      string // Connection string for postgres and mysql
	DatabasePoolSize int    // Number of connections in the database pool
	DBAutoMigrate    bool   // Apply migrations when the database is opened
	StoreEvents      bool   // Mirror security events into the database

	// Audit logging settings
	AuditEnabled    bool   // Enable the JSONL security audit log
	AuditLogFile    string // Path to the audit log file
	AuditCreateDir  bool   // Create parent directories for the audit log
	AuditMaxSize    int64  // Rotate the audit log at this size in bytes
	AuditMaxBackups int    // Number of rotated audit files to keep

	// CSRF token settings
	CSRFRotationInterval    time.Duration
	CSRFGracePeriod         time.Duration
	CSRFMaxTokensPerOwner   int
	CSRFMaxAnonymousTokens  int
	CSRFSecureCookies       bool
	CSRFAllowCookieFallback bool

	// Monitor settings
	EventRetention   time.Duration // Age after which events are swept
	BlockDuration    time.Duration // Lifetime of an automatic IP block
	MonitorSweepTime time.Duration // Interval of the monitor's retention sweep

	// Admin API
	AdminListenAddr string // Address of the operator API
	AdminAPIURL     string // Base URL the CLI uses to reach the operator API
	ManagementToken string // Token for operator access; plain or bcrypt hash
	SessionSecret   string // Secret for signing operator session cookies

	// Logging configuration
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)

	// Monitoring
	EnableMetrics bool   // Enable Prometheus metrics endpoint
	MetricsPath   string // Path for metrics endpoint
}

// New creates a new configuration with values from environment variables.
// It applies default values where environment variables are not set,
// and validates required configuration settings.
func New() (*Config, error) {
	d := DefaultConfig()
	apiEnv := getEnvString("API_ENV", d.APIEnv)
	production := apiEnv == "production"

	config := &Config{
		// Server defaults
		ListenAddr:      getEnvString("LISTEN_ADDR", d.ListenAddr),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", d.RequestTimeout),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", d.ShutdownTimeout),
		MaxRequestSize:  getEnvInt64("MAX_REQUEST_SIZE", d.MaxRequestSize),

		APIEnv: apiEnv,

		AppOrigins:         getEnvStringSlice("APP_ORIGINS", d.AppOrigins),
		TrustedOrigins:     getEnvStringSlice("TRUSTED_ORIGINS", nil),
		AllowMissingOrigin: getEnvBool("ALLOW_MISSING_ORIGIN", !production),

		IdentityHeader:   getEnvString("IDENTITY_HEADER", d.IdentityHeader),
		ClientHMACSecret: getEnvString("CLIENT_HMAC_SECRET", ""),
		LoginUsers:       getEnvString("LOGIN_USERS", ""),

		PolicyPath: getEnvString("SECURITY_POLICY_PATH", d.PolicyPath),

		RedisURL:       getEnvString("REDIS_URL", ""),
		RedisKeyPrefix: getEnvString("RATE_LIMIT_KEY_PREFIX", d.RedisKeyPrefix),
		RedisFallback:  getEnvBool("RATE_LIMIT_FALLBACK", d.RedisFallback),

		EventBusBackend: getEnvString("DECKGUARD_EVENT_BUS", d.EventBusBackend),
		AlertStreamKey:  getEnvString("ALERT_STREAM_KEY", d.AlertStreamKey),

		DBDriver:         getEnvString("DB_DRIVER", d.DBDriver),
		DatabasePath:     getEnvString("DATABASE_PATH", d.DatabasePath),
		DatabaseURL:      getEnvString("DATABASE_URL", ""),
		DatabasePoolSize: getEnvInt("DATABASE_POOL_SIZE", d.DatabasePoolSize),
		DBAutoMigrate:    getEnvBool("DB_AUTO_MIGRATE", d.DBAutoMigrate),
		StoreEvents:      getEnvBool("SECURITY_EVENTS_STORE_IN_DB", d.StoreEvents),

		AuditEnabled:    getEnvBool("AUDIT_ENABLED", d.AuditEnabled),
		AuditLogFile:    getEnvString("AUDIT_LOG_FILE", d.AuditLogFile),
		AuditCreateDir:  getEnvBool("AUDIT_CREATE_DIR", d.AuditCreateDir),
		AuditMaxSize:    getEnvInt64("AUDIT_MAX_SIZE", d.AuditMaxSize),
		AuditMaxBackups: getEnvInt("AUDIT_MAX_BACKUPS", d.AuditMaxBackups),

		CSRFRotationInterval:    getEnvDuration("CSRF_ROTATION_INTERVAL", d.CSRFRotationInterval),
		CSRFGracePeriod:         getEnvDuration("CSRF_GRACE_PERIOD", d.CSRFGracePeriod),
		CSRFMaxTokensPerOwner:   getEnvInt("CSRF_MAX_TOKENS_PER_OWNER", d.CSRFMaxTokensPerOwner),
		CSRFMaxAnonymousTokens:  getEnvInt("CSRF_MAX_ANONYMOUS_TOKENS", d.CSRFMaxAnonymousTokens),
		CSRFSecureCookies:       getEnvBool("CSRF_SECURE_COOKIES", production),
		CSRFAllowCookieFallback: getEnvBool("CSRF_ALLOW_COOKIE_FALLBACK", d.CSRFAllowCookieFallback),

		EventRetention:   getEnvDuration("SECURITY_EVENT_RETENTION", d.EventRetention),
		BlockDuration:    getEnvDuration("IP_BLOCK_DURATION", d.BlockDuration),
		MonitorSweepTime: getEnvDuration("MONITOR_SWEEP_INTERVAL", d.MonitorSweepTime),

		AdminListenAddr: getEnvString("ADMIN_LISTEN_ADDR", d.AdminListenAddr),
		AdminAPIURL:     getEnvString("ADMIN_API_URL", d.AdminAPIURL),
		ManagementToken: getEnvString("MANAGEMENT_TOKEN", ""),
		SessionSecret:   getEnvString("ADMIN_SESSION_SECRET", ""),

		LogLevel:  getEnvString("LOG_LEVEL", d.LogLevel),
		LogFormat: getEnvString("LOG_FORMAT", d.LogFormat),
		LogFile:   getEnvString("LOG_FILE", ""),

		EnableMetrics: getEnvBool("ENABLE_METRICS", d.EnableMetrics),
		MetricsPath:   getEnvString("METRICS_PATH", d.MetricsPath),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks required settings and enumerated values.
func (c *Config) Validate() error {
	if c.ManagementToken == "" {
		return fmt.Errorf("MANAGEMENT_TOKEN environment variable is required")
	}
	if _, err := database.ParseDriver(c.DBDriver); err != nil {
		return err
	}
	switch c.EventBusBackend {
	case EventBusInMemory, EventBusNone:
	case EventBusRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis event bus")
		}
	default:
		return fmt.Errorf("unknown event bus backend: %q", c.EventBusBackend)
	}
	if len(c.Origins()) == 0 {
		return errors.New("at least one of APP_ORIGINS or TRUSTED_ORIGINS must be set")
	}
	if c.IsProduction() {
		if c.ClientHMACSecret == "" {
			return errors.New("CLIENT_HMAC_SECRET is required in production")
		}
		if c.SessionSecret == "" {
			return errors.New("ADMIN_SESSION_SECRET is required in production")
		}
	}
	return nil
}

// IsProduction reports whether APIEnv is production.
func (c *Config) IsProduction() bool {
	return c.APIEnv == "production"
}

// Origins returns the app origins followed by the trusted origins.
func (c *Config) Origins() []string {
	out := make([]string, 0, len(c.AppOrigins)+len(c.TrustedOrigins))
	for _, o := range append(append([]string{}, c.AppOrigins...), c.TrustedOrigins...) {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// DatabaseConfig maps the database settings onto database.FullConfig.
func (c *Config) DatabaseConfig() database.FullConfig {
	cfg := database.DefaultFullConfig()
	if driver, err := database.ParseDriver(c.DBDriver); err == nil {
		cfg.Driver = driver
	}
	cfg.Path = c.DatabasePath
	cfg.DatabaseURL = c.DatabaseURL
	cfg.AutoMigrate = c.DBAutoMigrate
	if c.DatabasePoolSize > 0 {
		cfg.MaxOpenConns = c.DatabasePoolSize
		cfg.MaxIdleConns = (c.DatabasePoolSize + 1) / 2
	}
	return cfg
}

// AuditConfig maps the audit settings onto audit.LoggerConfig.
func (c *Config) AuditConfig() audit.LoggerConfig {
	return audit.LoggerConfig{
		FilePath:   c.AuditLogFile,
		CreateDir:  c.AuditCreateDir,
		MaxSize:    c.AuditMaxSize,
		MaxBackups: c.AuditMaxBackups,
	}
}

// CSRFConfig maps the CSRF settings onto csrf.Config.
func (c *Config) CSRFConfig() csrf.Config {
	cfg := csrf.DefaultConfig()
	cfg.RotationInterval = c.CSRFRotationInterval
	cfg.GracePeriod = c.CSRFGracePeriod
	cfg.MaxTokensPerOwner = c.CSRFMaxTokensPerOwner
	cfg.MaxAnonymousTokens = c.CSRFMaxAnonymousTokens
	cfg.Secure = c.CSRFSecureCookies
	cfg.AllowCookieFallback = c.CSRFAllowCookieFallback
	return cfg
}

// MonitorConfig maps the monitor settings onto monitor.Config.
func (c *Config) MonitorConfig() monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.MaxAge = c.EventRetention
	cfg.BlockDuration = c.BlockDuration
	cfg.SweepInterval = c.MonitorSweepTime
	return cfg
}

// RedisCounterConfig maps the Redis counter settings onto ratelimit.RedisCounterConfig.
func (c *Config) RedisCounterConfig() ratelimit.RedisCounterConfig {
	cfg := ratelimit.DefaultRedisCounterConfig()
	cfg.KeyPrefix = c.RedisKeyPrefix
	cfg.EnableFallback = c.RedisFallback
	return cfg
}

// GatewayConfig returns the gateway configuration with default fail modes.
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		FailModes:      gateway.DefaultFailModes(),
		IdentityHeader: c.IdentityHeader,
	}
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves a 64-bit integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a 64-bit integer.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvStringSlice retrieves a comma-separated string value from an environment variable
// and splits it into a slice of strings, falling back to the provided default value
// if the variable is not set or is empty. Empty items are dropped.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		// Server defaults
		ListenAddr:      ":8080",
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxRequestSize:  50 * 1024 * 1024, // 50MB deck uploads

		APIEnv: "development",

		AppOrigins:         []string{"http://localhost:3000"},
		AllowMissingOrigin: true,

		IdentityHeader: "X-Authenticated-User",
		PolicyPath:     "./config/security_policies.yaml",

		RedisKeyPrefix: "deckguard:ratelimit:",
		RedisFallback:  true,

		EventBusBackend: EventBusInMemory,
		AlertStreamKey:  "deckguard:alerts",

		DBDriver:         string(database.DriverSQLite),
		DatabasePath:     "./data/deckguard.db",
		DatabasePoolSize: 10,
		DBAutoMigrate:    true,
		StoreEvents:      true,

		AuditEnabled:    true,
		AuditLogFile:    "./data/security-audit.jsonl",
		AuditCreateDir:  true,
		AuditMaxSize:    50 * 1024 * 1024,
		AuditMaxBackups: 5,

		CSRFRotationInterval:   4 * time.Hour,
		CSRFGracePeriod:        5 * time.Minute,
		CSRFMaxTokensPerOwner:  5,
		CSRFMaxAnonymousTokens: 50000,

		EventRetention:   24 * time.Hour,
		BlockDuration:    15 * time.Minute,
		MonitorSweepTime: 10 * time.Minute,

		AdminListenAddr: ":8081",
		AdminAPIURL:     "http://localhost:8081",

		LogLevel:  "info",
		LogFormat: "json",

		EnableMetrics: true,
		MetricsPath:   "/metrics",
	}
}
