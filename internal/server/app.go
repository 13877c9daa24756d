package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sofatutor/deckguard/internal/audit"
	"github.com/sofatutor/deckguard/internal/clientip"
	"github.com/sofatutor/deckguard/internal/config"
	"github.com/sofatutor/deckguard/internal/csrf"
	"github.com/sofatutor/deckguard/internal/database"
	"github.com/sofatutor/deckguard/internal/eventbus"
	"github.com/sofatutor/deckguard/internal/gateway"
	"github.com/sofatutor/deckguard/internal/metrics"
	"github.com/sofatutor/deckguard/internal/monitor"
	"github.com/sofatutor/deckguard/internal/origin"
	"github.com/sofatutor/deckguard/internal/policy"
	"github.com/sofatutor/deckguard/internal/ratelimit"
)

const (
	// memoryCounterKeys bounds the in-memory window counter.
	memoryCounterKeys = 100000
	// alertBufferSize is the per-subscriber buffer of the in-memory bus.
	alertBufferSize = 256
)

// Components are the long-lived security services shared by the app server
// and the operator API.
type Components struct {
	Catalog *policy.Catalog
	Tokens  *csrf.Store
	Monitor *monitor.Monitor
	Gateway *gateway.Gateway
	Metrics *metrics.Recorder
	Bus     eventbus.EventBus
	DB      *database.DB
	Audit   *audit.Logger
	// RedisCounter is the distributed window counter, nil without REDIS_URL.
	RedisCounter *ratelimit.RedisCounter

	redis  redis.UniversalClient
	logger *zap.Logger
}

// Build assembles the security services from cfg. Callers own the result
// and must Close it.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Components{logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.Catalog, err = policy.Load(cfg.PolicyPath); err != nil {
		return nil, fmt.Errorf("failed to load security policies: %w", err)
	}

	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", perr)
		}
		c.redis = redis.NewClient(opts)
	}

	var counter ratelimit.Counter
	if c.redis != nil {
		c.RedisCounter = ratelimit.NewRedisCounter(ratelimit.NewRedisAdapter(c.redis), cfg.RedisCounterConfig(), logger)
		if perr := c.RedisCounter.CheckRedisHealth(ctx); perr != nil {
			logger.Warn("redis unreachable at startup", zap.Error(perr))
		}
		counter = c.RedisCounter
	} else {
		counter = ratelimit.NewMemoryCounter(memoryCounterKeys, c.Catalog.MaxWindow())
	}

	if cfg.ClientHMACSecret == "" {
		logger.Warn("CLIENT_HMAC_SECRET not set, anonymous rate-limit keys use an empty secret")
	}
	limiter := ratelimit.NewLimiter(counter, clientip.NewHasher(cfg.ClientHMACSecret), logger)

	c.Metrics = metrics.NewRecorder(prometheus.NewRegistry())

	switch cfg.EventBusBackend {
	case config.EventBusRedis:
		if c.redis == nil {
			return nil, errors.New("redis event bus requires REDIS_URL")
		}
		streams := eventbus.DefaultRedisStreamsConfig()
		streams.StreamKey = cfg.AlertStreamKey
		c.Bus = eventbus.NewRedisStreamsEventBus(&eventbus.RedisStreamsClientAdapter{Client: c.redis}, streams, logger)
	case config.EventBusInMemory:
		c.Bus = eventbus.NewInMemoryEventBus(alertBufferSize)
	}

	var sinks monitor.MultiSink
	if cfg.StoreEvents {
		if c.DB, err = database.NewFromConfig(ctx, cfg.DatabaseConfig()); err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		sinks = append(sinks, database.NewEventSink(c.DB, logger))
	}
	if cfg.AuditEnabled {
		if c.Audit, err = audit.NewLogger(cfg.AuditConfig()); err != nil {
			return nil, err
		}
		sinks = append(sinks, c.Audit)
	}

	monCfg := cfg.MonitorConfig()
	monCfg.Thresholds = c.Catalog.Thresholds
	opts := []monitor.Option{monitor.WithMetrics(c.Metrics)}
	if len(sinks) > 0 {
		opts = append(opts, monitor.WithSink(sinks))
	}
	if c.Bus != nil {
		opts = append(opts, monitor.WithNotifier(eventbus.Notifier(c.Bus)))
	}
	c.Monitor = monitor.New(monCfg, logger, opts...)

	c.Tokens = csrf.NewStore(cfg.CSRFConfig(), logger)

	c.Gateway = gateway.New(cfg.GatewayConfig(), gateway.Deps{
		Limiter:  limiter,
		Policies: c.Catalog.RateLimits,
		Tokens:   c.Tokens,
		Origins:  origin.NewValidator(cfg.Origins(), cfg.AllowMissingOrigin),
		Monitor:  c.Monitor,
		Metrics:  c.Metrics,
		Logger:   logger,
	})
	return c, nil
}

// Start launches the background sweeps.
func (c *Components) Start() {
	c.Tokens.Start()
	c.Monitor.Start()
}

// Close stops the sweeps, drains the monitor and releases connections. It
// is safe to call on a partially built value.
func (c *Components) Close() {
	if c.Tokens != nil {
		c.Tokens.Stop()
	}
	if c.Monitor != nil {
		c.Monitor.Close()
	}
	if c.Bus != nil {
		c.Bus.Stop()
	}
	if c.Audit != nil {
		if err := c.Audit.Close(); err != nil {
			c.logger.Warn("failed to close audit log", zap.Error(err))
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.logger.Warn("failed to close database", zap.Error(err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
}
