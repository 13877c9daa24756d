package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sofatutor/deckguard/internal/logging"
	"go.uber.org/zap"
)

// Config tunes a Monitor. Zero fields take the DefaultConfig values.
type Config struct {
	RingSize      int
	AlertHistory  int
	SweepInterval time.Duration
	MaxAge        time.Duration
	BlockDuration time.Duration
	// EscalationFactor multiplies a threshold count to get the in-window
	// count at which a single escalation alert follows the first alert.
	EscalationFactor int
	Thresholds       map[EventType]Threshold

	BruteForceCount  int
	BruteForceWindow time.Duration
	BurstCount       int
	BurstWindow      time.Duration

	SinkQueueSize int
	SinkTimeout   time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RingSize:         10000,
		AlertHistory:     1000,
		SweepInterval:    10 * time.Minute,
		MaxAge:           24 * time.Hour,
		BlockDuration:    15 * time.Minute,
		EscalationFactor: 3,
		Thresholds:       DefaultThresholds(),
		BruteForceCount:  3,
		BruteForceWindow: 5 * time.Minute,
		BurstCount:       10,
		BurstWindow:      time.Minute,
		SinkQueueSize:    1000,
		SinkTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RingSize <= 0 {
		c.RingSize = def.RingSize
	}
	if c.AlertHistory <= 0 {
		c.AlertHistory = def.AlertHistory
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = def.BlockDuration
	}
	if c.EscalationFactor <= 1 {
		c.EscalationFactor = def.EscalationFactor
	}
	if c.Thresholds == nil {
		c.Thresholds = def.Thresholds
	}
	if c.BruteForceCount <= 0 {
		c.BruteForceCount = def.BruteForceCount
	}
	if c.BruteForceWindow <= 0 {
		c.BruteForceWindow = def.BruteForceWindow
	}
	if c.BurstCount <= 0 {
		c.BurstCount = def.BurstCount
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = def.BurstWindow
	}
	if c.SinkQueueSize <= 0 {
		c.SinkQueueSize = def.SinkQueueSize
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = def.SinkTimeout
	}
	return c
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithSink mirrors every event to sink asynchronously.
func WithSink(sink Sink) Option {
	return func(m *Monitor) { m.sink = sink }
}

// WithNotifier forwards every alert to n.
func WithNotifier(n Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// WithMetrics reports counters to metrics.
func WithMetrics(metrics Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

type alertState struct {
	at        time.Time
	escalated bool
}

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg      Config
	logger   *zap.Logger
	security *logging.SecurityLogger
	now      func() time.Time

	sink       Sink
	dispatcher *dispatcher
	notifier   Notifier
	metrics    Metrics

	mu         sync.Mutex
	ring       *eventRing
	alerts     []Alert
	lastAlert  map[EventType]alertState
	blocks     map[string]BlockedIP
	bruteForce map[string]time.Time
	bursts     map[string]time.Time

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates a Monitor.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	m := &Monitor{
		cfg:        cfg,
		logger:     logger,
		security:   logging.NewSecurityLogger(logger),
		now:        time.Now,
		metrics:    nopMetrics{},
		ring:       newEventRing(cfg.RingSize),
		lastAlert:  make(map[EventType]alertState),
		blocks:     make(map[string]BlockedIP),
		bruteForce: make(map[string]time.Time),
		bursts:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink != nil {
		m.dispatcher = newDispatcher(m.sink, cfg.SinkQueueSize, cfg.SinkTimeout, logger)
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// LogEvent records e and returns the stored copy. Missing ID, Timestamp and
// RequestID are filled in; Details is copied. Persistence happens in the
// background and never fails the caller.
func (m *Monitor) LogEvent(ctx context.Context, e Event) Event {
	e = m.prepare(ctx, e)

	m.mu.Lock()
	m.ring.push(e)
	alert := m.evaluateThreshold(e)
	var blocked []string
	if alert != nil {
		blocked = m.autoBlock(*alert)
	}
	if e.Severity == SeverityCritical {
		blocked = append(blocked, m.blockLocked([]string{e.IP}, "auto: critical "+string(e.Type)+" event "+e.ID)...)
	}
	synthesized := m.detect(e)
	blockCount := len(m.blocks)
	m.mu.Unlock()

	m.security.LogEvent(ctx, string(e.Type), string(e.Severity), eventFields(e)...)
	m.metrics.ObserveEvent(e)
	if m.dispatcher != nil {
		m.dispatcher.enqueue(e)
	}
	if alert != nil {
		m.publishAlert(ctx, *alert)
	}
	for _, ip := range blocked {
		m.security.LogBlock(ip, true, zap.String("reason", "auto"), zap.Duration("duration", m.cfg.BlockDuration))
	}
	if alert != nil || len(blocked) > 0 {
		m.metrics.SetBlockedIPs(blockCount)
	}
	for _, s := range synthesized {
		m.LogEvent(ctx, s)
	}
	return e
}

func (m *Monitor) prepare(ctx context.Context, e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	if e.RequestID == "" {
		e.RequestID = logging.GetRequestID(ctx)
	}
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	if e.Details != nil {
		details := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}

// evaluateThreshold applies the one-alert-per-window policy. m.mu must be held.
func (m *Monitor) evaluateThreshold(e Event) *Alert {
	th, ok := m.cfg.Thresholds[e.Type]
	if !ok || th.Count <= 0 || th.Window <= 0 {
		return nil
	}
	if informational(e) {
		return nil
	}
	now := m.now()
	cutoff := now.Add(-th.Window)
	contributing := m.ring.since(cutoff, func(x Event) bool { return x.Type == e.Type && !informational(x) })
	count := len(contributing)

	state, seen := m.lastAlert[e.Type]
	escalated := false
	switch {
	case seen && now.Sub(state.at) < th.Window:
		if state.escalated || count < th.Count*m.cfg.EscalationFactor {
			return nil
		}
		escalated = true
		state.escalated = true
		m.lastAlert[e.Type] = state
	case count >= th.Count:
		m.lastAlert[e.Type] = alertState{at: now}
	default:
		return nil
	}

	alert := newAlert(e.Type, th, contributing, now, escalated)
	m.alerts = append(m.alerts, alert)
	if over := len(m.alerts) - m.cfg.AlertHistory; over > 0 {
		m.alerts = append(m.alerts[:0], m.alerts[over:]...)
	}
	return &alert
}

// informational reports whether e is a low-severity suspicious_activity
// notice, which is recorded but never alerts.
func informational(e Event) bool {
	return e.Type == EventSuspiciousActivity && e.Severity == SeverityLow
}

func newAlert(t EventType, th Threshold, events []Event, now time.Time, escalated bool) Alert {
	a := Alert{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  th.Severity,
		Count:     len(events),
		Window:    th.Window,
		Events:    events,
		CreatedAt: now,
		Escalated: escalated,
	}
	users := map[string]bool{}
	ips := map[string]bool{}
	for i, e := range events {
		if i == 0 || e.Timestamp.Before(a.FirstEvent) {
			a.FirstEvent = e.Timestamp
		}
		if e.Timestamp.After(a.LastEvent) {
			a.LastEvent = e.Timestamp
		}
		if e.UserID != "" && !users[e.UserID] {
			users[e.UserID] = true
			a.UserIDs = append(a.UserIDs, e.UserID)
		}
		if e.IP != "" && !ips[e.IP] {
			ips[e.IP] = true
			a.IPs = append(a.IPs, e.IP)
		}
	}
	return a
}

// autoBlock blocks the IPs of critical alerts and of escalated high alerts.
// m.mu must be held. Returns the IPs newly blocked.
func (m *Monitor) autoBlock(a Alert) []string {
	if a.Severity != SeverityCritical && !(a.Severity == SeverityHigh && a.Escalated) {
		return nil
	}
	return m.blockLocked(a.IPs, "auto: "+string(a.Type)+" alert "+a.ID)
}

// blockLocked blocks each blockable ip for BlockDuration unless it already
// holds a longer block. m.mu must be held. Returns the IPs newly blocked.
func (m *Monitor) blockLocked(ips []string, reason string) []string {
	now := m.now()
	until := now.Add(m.cfg.BlockDuration)
	var blocked []string
	for _, ip := range ips {
		if !blockable(ip) {
			continue
		}
		if existing, ok := m.blocks[ip]; ok && !existing.Until.Before(until) {
			continue
		}
		m.blocks[ip] = BlockedIP{IP: ip, Reason: reason, BlockedAt: now, Until: until}
		blocked = append(blocked, ip)
	}
	return blocked
}

func blockable(ip string) bool {
	return ip != "" && ip != "unknown"
}

func (m *Monitor) publishAlert(ctx context.Context, a Alert) {
	m.security.LogAlert(string(a.Type), string(a.Severity), a.Count,
		zap.String("alert_id", a.ID),
		zap.Bool("escalated", a.Escalated),
		zap.Strings("ips", a.IPs),
		zap.Strings("user_ids", a.UserIDs))
	m.metrics.ObserveAlert(a)
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyAlert(ctx, a); err != nil {
		m.logger.Warn("failed to publish security alert", zap.String("alert_id", a.ID), zap.Error(err))
	}
}

// IsIPBlocked reports whether ip is on the block list and not yet expired.
func (m *Monitor) IsIPBlocked(ip string) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[ip]
	return ok && now.Before(b.Until)
}

// BlockIP blocks ip for d, or the default block duration when d <= 0.
func (m *Monitor) BlockIP(ip string, d time.Duration, reason string) BlockedIP {
	if d <= 0 {
		d = m.cfg.BlockDuration
	}
	now := m.now()
	b := BlockedIP{IP: ip, Reason: reason, BlockedAt: now, Until: now.Add(d)}
	m.mu.Lock()
	m.blocks[ip] = b
	n := len(m.blocks)
	m.mu.Unlock()

	m.security.LogBlock(ip, true, zap.String("reason", reason), zap.Duration("duration", d))
	m.metrics.SetBlockedIPs(n)
	return b
}

// UnblockIP removes ip from the block list and reports whether it was present.
func (m *Monitor) UnblockIP(ip string) bool {
	m.mu.Lock()
	_, ok := m.blocks[ip]
	delete(m.blocks, ip)
	n := len(m.blocks)
	m.mu.Unlock()

	if ok {
		m.security.LogBlock(ip, false)
		m.metrics.SetBlockedIPs(n)
	}
	return ok
}

// BlockedIPs returns the active blocks ordered by expiry.
func (m *Monitor) BlockedIPs() []BlockedIP {
	now := m.now()
	m.mu.Lock()
	out := make([]BlockedIP, 0, len(m.blocks))
	for _, b := range m.blocks {
		if now.Before(b.Until) {
			out = append(out, b)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Until.Before(out[j].Until) })
	return out
}

// RecentAlerts returns up to n alerts, newest first.
func (m *Monitor) RecentAlerts(n int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.alerts) {
		n = len(m.alerts)
	}
	out := make([]Alert, 0, n)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.alerts[i])
	}
	return out
}

// RecentEvents returns up to n events, newest first.
func (m *Monitor) RecentEvents(n int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring.newest(n)
}

func eventFields(e Event) []zap.Field {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String(logging.FieldClientIP, e.IP),
		zap.String(logging.FieldPath, e.Path),
		zap.String(logging.FieldMethod, e.Method),
	}
	if e.UserID != "" {
		fields = append(fields, zap.String(logging.FieldUserID, e.UserID))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	return fields
}
