package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sofatutor/deckguard/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Store(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) stored() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func newTestMonitor(t *testing.T, opts ...Option) (*Monitor, *clock) {
	t.Helper()
	c := newClock()
	m := New(DefaultConfig(), nil, append([]Option{WithClock(c.Now)}, opts...)...)
	t.Cleanup(m.Close)
	return m, c
}

func TestLogEvent_FillsDefaults(t *testing.T) {
	m, c := newTestMonitor(t)
	ctx := logging.WithRequestID(context.Background(), "req-1")

	details := map[string]any{"reason": "mismatch"}
	e := m.LogEvent(ctx, Event{Type: EventCSRFFailure, Severity: SeverityHigh, Details: details})
	details["reason"] = "changed"

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, c.Now(), e.Timestamp)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "mismatch", e.Details["reason"])

	recent := m.RecentEvents(10)
	require.Len(t, recent, 1)
	assert.Equal(t, "mismatch", recent[0].Details["reason"])
}

func TestThresholdAlerting(t *testing.T) {
	m, c := newTestMonitor(t)
	ctx := context.Background()
	th := DefaultThresholds()[EventCSRFFailure]

	var logged []Event
	for i := 0; i < th.Count-1; i++ {
		logged = append(logged, m.LogEvent(ctx, Event{Type: EventCSRFFailure, Severity: SeverityHigh, IP: fmt.Sprintf("198.51.100.%d", i)}))
		c.Advance(time.Second)
	}
	assert.Empty(t, m.RecentAlerts(10))

	logged = append(logged, m.LogEvent(ctx, Event{Type: EventCSRFFailure, Severity: SeverityHigh, IP: "198.51.100.99"}))
	alerts := m.RecentAlerts(10)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, EventCSRFFailure, a.Type)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Equal(t, th.Count, a.Count)
	assert.False(t, a.Escalated)
	require.Len(t, a.Events, th.Count)
	for i := range logged {
		assert.Equal(t, logged[i].ID, a.Events[i].ID)
	}
	assert.Equal(t, logged[0].Timestamp, a.FirstEvent)
	assert.Equal(t, logged[len(logged)-1].Timestamp, a.LastEvent)
	assert.Len(t, a.IPs, th.Count)

	// High, not escalated: no auto-block.
	assert.False(t, m.IsIPBlocked("198.51.100.99"))
}

func TestThresholdAlerting_OutsideWindowDoesNotCount(t *testing.T) {
	m, c := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m.LogEvent(ctx, Event{Type: EventAuthFailure, Severity: SeverityMedium})
	}
	c.Advance(5*time.Minute + time.Second)
	m.LogEvent(ctx, Event{Type: EventAuthFailure, Severity: SeverityMedium})
	assert.Empty(t, m.RecentAlerts(0))
}

func TestAlertDeduplicationAndEscalation(t *testing.T) {
	notifier := &recordingNotifier{}
	m, c := newTestMonitor(t, WithNotifier(notifier))
	ctx := context.Background()
	th := DefaultThresholds()[EventOriginViolation]

	for i := 0; i < th.Count*3-1; i++ {
		m.LogEvent(ctx, Event{Type: EventOriginViolation, Severity: SeverityHigh, IP: "203.0.113.5"})
	}
	require.Len(t, m.RecentAlerts(0), 1, "crossings inside the window are suppressed")
	assert.False(t, m.IsIPBlocked("203.0.113.5"))

	m.LogEvent(ctx, Event{Type: EventOriginViolation, Severity: SeverityHigh, IP: "203.0.113.5"})
	alerts := m.RecentAlerts(0)
	require.Len(t, alerts, 2)
	assert.True(t, alerts[0].Escalated)
	assert.Equal(t, th.Count*3, alerts[0].Count)
	assert.True(t, m.IsIPBlocked("203.0.113.5"), "escalated high alerts block")

	for i := 0; i < th.Count*3; i++ {
		m.LogEvent(ctx, Event{Type: EventOriginViolation, Severity: SeverityHigh, IP: "203.0.113.5"})
	}
	assert.Len(t, m.RecentAlerts(0), 2, "only one escalation per window")

	c.Advance(th.Window)
	for i := 0; i < th.Count; i++ {
		m.LogEvent(ctx, Event{Type: EventOriginViolation, Severity: SeverityHigh, IP: "203.0.113.6"})
	}
	assert.Len(t, m.RecentAlerts(0), 3, "a new window alerts again")
	assert.Len(t, notifier.alerts, 3)
}

func TestAutoBlockOnCriticalAlert(t *testing.T) {
	m, c := newTestMonitor(t)
	ctx := context.Background()

	ips := []string{"192.0.2.10", "192.0.2.11", "unknown"}
	for _, ip := range ips {
		m.LogEvent(ctx, Event{Type: EventSuspiciousActivity, Severity: SeverityHigh, IP: ip})
	}
	alerts := m.RecentAlerts(1)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)

	assert.True(t, m.IsIPBlocked("192.0.2.10"))
	assert.True(t, m.IsIPBlocked("192.0.2.11"))
	assert.False(t, m.IsIPBlocked("unknown"))
	assert.Len(t, m.BlockedIPs(), 2)

	c.Advance(15*time.Minute - time.Millisecond)
	assert.True(t, m.IsIPBlocked("192.0.2.10"))
	c.Advance(time.Millisecond)
	assert.False(t, m.IsIPBlocked("192.0.2.10"))
	assert.False(t, m.IsIPBlocked("192.0.2.11"))
	assert.Empty(t, m.BlockedIPs())
}

func TestBlockAndUnblock(t *testing.T) {
	m, c := newTestMonitor(t)

	b := m.BlockIP("192.0.2.1", time.Minute, "manual")
	assert.Equal(t, c.Now().Add(time.Minute), b.Until)
	assert.True(t, m.IsIPBlocked("192.0.2.1"))

	assert.True(t, m.UnblockIP("192.0.2.1"))
	assert.False(t, m.IsIPBlocked("192.0.2.1"))
	assert.False(t, m.UnblockIP("192.0.2.1"))

	b = m.BlockIP("192.0.2.2", 0, "default duration")
	assert.Equal(t, c.Now().Add(15*time.Minute), b.Until)
}

func TestBruteForceDetector(t *testing.T) {
	m, c := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.LogEvent(ctx, Event{Type: EventAuthFailure, Severity: SeverityMedium, UserID: "u1", IP: "192.0.2.50"})
		c.Advance(time.Minute)
	}
	suspicious := eventsOfType(m.RecentEvents(0), EventSuspiciousActivity)
	require.Len(t, suspicious, 1)
	assert.Equal(t, SeverityHigh, suspicious[0].Severity)
	assert.Equal(t, "u1", suspicious[0].UserID)
	assert.Equal(t, "brute_force", suspicious[0].Details["pattern"])
	assert.Len(t, suspicious[0].Details["related_events"], 3)

	m.LogEvent(ctx, Event{Type: EventAuthFailure, Severity: SeverityMedium, UserID: "u1"})
	assert.Len(t, eventsOfType(m.RecentEvents(0), EventSuspiciousActivity), 1, "once per user per window")

	m.LogEvent(ctx, Event{Type: EventAuthFailure, Severity: SeverityMedium, UserID: "u2"})
	assert.Len(t, eventsOfType(m.RecentEvents(0), EventSuspiciousActivity), 1)
}

func TestBurstDetector(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.LogEvent(ctx, Event{Type: EventRateLimit, Severity: SeverityMedium, IP: "198.51.100.1"})
	}
	suspicious := eventsOfType(m.RecentEvents(0), EventSuspiciousActivity)
	require.Len(t, suspicious, 1)
	assert.Equal(t, SeverityCritical, suspicious[0].Severity)
	assert.Equal(t, "198.51.100.1", suspicious[0].IP)

	for i := 0; i < 10; i++ {
		m.LogEvent(ctx, Event{Type: EventRateLimit, Severity: SeverityMedium, IP: "unknown"})
	}
	assert.Len(t, eventsOfType(m.RecentEvents(0), EventSuspiciousActivity), 1)
}

func TestSustainedFloodFromOneIPIsBlocked(t *testing.T) {
	m, c := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		m.LogEvent(ctx, Event{Type: EventRateLimit, Severity: SeverityMedium, IP: "203.0.113.9"})
		c.Advance(time.Second)
	}
	assert.False(t, m.IsIPBlocked("203.0.113.9"))

	m.LogEvent(ctx, Event{Type: EventRateLimit, Severity: SeverityMedium, IP: "203.0.113.9"})
	assert.True(t, m.IsIPBlocked("203.0.113.9"))
	blocks := m.BlockedIPs()
	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0].Reason, "critical suspicious_activity")
	assert.Equal(t, c.Now().Add(15*time.Minute), blocks[0].Until)

	for i := 0; i < 5*60; i++ {
		c.Advance(time.Second)
		m.LogEvent(ctx, Event{Type: EventRateLimit, Severity: SeverityMedium, IP: "203.0.113.9"})
	}
	assert.True(t, m.IsIPBlocked("203.0.113.9"))
	assert.False(t, m.IsIPBlocked("unknown"))
}

func TestInformationalNoticesNeverAlert(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	for _, ip := range []string{"192.0.2.30", "192.0.2.31", "192.0.2.32", "192.0.2.33"} {
		m.LogEvent(ctx, Event{Type: EventSuspiciousActivity, Severity: SeverityLow, IP: ip, Details: map[string]any{"stage": "method"}})
	}
	assert.Empty(t, m.RecentAlerts(0))
	assert.Empty(t, m.BlockedIPs())
	assert.Len(t, eventsOfType(m.RecentEvents(0), EventSuspiciousActivity), 4)

	for i := 0; i < 3; i++ {
		m.LogEvent(ctx, Event{Type: EventSuspiciousActivity, Severity: SeverityHigh, IP: "192.0.2.40"})
	}
	alerts := m.RecentAlerts(0)
	require.Len(t, alerts, 1)
	assert.Equal(t, 3, alerts[0].Count)
	assert.Equal(t, []string{"192.0.2.40"}, alerts[0].IPs)
}

func TestSinkReceivesEvents(t *testing.T) {
	sink := &recordingSink{err: errors.New("table missing")}
	c := newClock()
	m := New(DefaultConfig(), nil, WithClock(c.Now), WithSink(sink))

	for i := 0; i < 5; i++ {
		m.LogEvent(context.Background(), Event{Type: EventTokenRotation, Severity: SeverityLow})
	}
	m.Close()
	m.Close()
	assert.Len(t, sink.stored(), 5)
}

func TestRingBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingSize = 3
	c := newClock()
	m := New(cfg, nil, WithClock(c.Now))

	for i := 0; i < 5; i++ {
		m.LogEvent(context.Background(), Event{Type: EventTokenRotation, Path: fmt.Sprintf("/%d", i)})
	}
	recent := m.RecentEvents(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "/4", recent[0].Path)
	assert.Equal(t, "/2", recent[2].Path)
	assert.Len(t, m.RecentEvents(2), 2)
}

func TestEventRing_SinceReturnsWindowTail(t *testing.T) {
	r := newEventRing(4)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		r.push(Event{ID: fmt.Sprint(i), Type: EventRateLimit, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	got := r.since(base.Add(3*time.Second), nil)
	require.Len(t, got, 2)
	assert.Equal(t, "4", got[0].ID)
	assert.Equal(t, "5", got[1].ID)

	got = r.since(base, func(e Event) bool { return e.ID != "3" })
	assert.Len(t, got, 3)
	assert.Empty(t, r.since(base.Add(5*time.Second), nil))
}

func TestSweep(t *testing.T) {
	m, c := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.LogEvent(ctx, Event{Type: EventSuspiciousActivity, Severity: SeverityCritical, IP: "192.0.2.77"})
	}
	require.Len(t, m.RecentAlerts(0), 1)

	c.Advance(time.Hour)
	m.LogEvent(ctx, Event{Type: EventTokenRotation})
	res := m.Sweep(ctx)
	assert.Equal(t, 1, res.Blocks)
	assert.Equal(t, 0, res.Events)

	c.Advance(23*time.Hour + time.Second)
	res = m.Sweep(ctx)
	assert.Equal(t, 3, res.Events)
	assert.Equal(t, 1, res.Alerts)
	assert.Equal(t, 1, m.ring.len())
	assert.Empty(t, m.RecentAlerts(0))
}

func TestStartStop_Idempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Millisecond
	m := New(cfg, nil)
	m.Start()
	m.Start()
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	m.Stop()
	m.Close()
}

func TestStatistics(t *testing.T) {
	m, c := newTestMonitor(t)
	ctx := context.Background()

	m.LogEvent(ctx, Event{Type: EventCSRFFailure, Severity: SeverityHigh, IP: "a", UserID: "alice"})
	c.Advance(2 * time.Hour)
	m.LogEvent(ctx, Event{Type: EventRateLimit, Severity: SeverityMedium, IP: "b"})
	m.LogEvent(ctx, Event{Type: EventRateLimit, Severity: SeverityMedium, IP: "b", UserID: "bob"})
	m.LogEvent(ctx, Event{Type: EventOriginViolation, Severity: SeverityHigh, IP: "c", UserID: "bob"})

	stats := m.Statistics(time.Hour)
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 2, stats.ByType[EventRateLimit])
	assert.Equal(t, 0, stats.ByType[EventCSRFFailure])
	assert.Equal(t, 1, stats.BySeverity[SeverityHigh])
	assert.Equal(t, []Counted{{Key: "b", Count: 2}, {Key: "c", Count: 1}}, stats.TopIPs)
	assert.Equal(t, []Counted{{Key: "bob", Count: 2}}, stats.TopUsers)

	all := m.Statistics(24 * time.Hour)
	assert.Equal(t, 4, all.TotalEvents)
}

func TestMultiSink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("down")}
	ms := MultiSink{a, b}

	err := ms.Store(context.Background(), Event{ID: "1"})
	assert.Error(t, err)
	assert.Len(t, a.stored(), 1)
	assert.Len(t, b.stored(), 1)

	n, err := ms.Purge(context.Background(), time.Now())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestSeverityRankAndTypes(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Zero(t, Severity("bogus").Rank())
	assert.True(t, EventRateLimit.Valid())
	assert.False(t, EventType("nope").Valid())
}

func eventsOfType(events []Event, t EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
