package monitor

import "time"

// detect runs the pattern detectors against the ring after e was recorded
// and returns the events they synthesize. m.mu must be held; the caller logs
// the returned events after releasing it.
func (m *Monitor) detect(e Event) []Event {
	var out []Event
	if s, ok := m.detectBruteForce(e); ok {
		out = append(out, s)
	}
	if s, ok := m.detectBurst(e); ok {
		out = append(out, s)
	}
	return out
}

// detectBruteForce fires once per user per window when a user collects
// BruteForceCount auth failures within BruteForceWindow.
func (m *Monitor) detectBruteForce(e Event) (Event, bool) {
	if e.Type != EventAuthFailure || e.UserID == "" {
		return Event{}, false
	}
	now := m.now()
	window := m.cfg.BruteForceWindow
	if last, ok := m.bruteForce[e.UserID]; ok && now.Sub(last) < window {
		return Event{}, false
	}
	failures := m.ring.since(now.Add(-window), func(x Event) bool {
		return x.Type == EventAuthFailure && x.UserID == e.UserID
	})
	if len(failures) < m.cfg.BruteForceCount {
		return Event{}, false
	}
	m.bruteForce[e.UserID] = now
	return m.synthesize(e, SeverityHigh, "brute_force", len(failures), window, failures), true
}

// detectBurst fires once per IP per window when an IP collects BurstCount
// rate-limit denials within BurstWindow.
func (m *Monitor) detectBurst(e Event) (Event, bool) {
	if e.Type != EventRateLimit || !blockable(e.IP) {
		return Event{}, false
	}
	now := m.now()
	window := m.cfg.BurstWindow
	if last, ok := m.bursts[e.IP]; ok && now.Sub(last) < window {
		return Event{}, false
	}
	hits := m.ring.since(now.Add(-window), func(x Event) bool {
		return x.Type == EventRateLimit && x.IP == e.IP
	})
	if len(hits) < m.cfg.BurstCount {
		return Event{}, false
	}
	m.bursts[e.IP] = now
	return m.synthesize(e, SeverityCritical, "burst", len(hits), window, hits), true
}

func (m *Monitor) synthesize(trigger Event, severity Severity, pattern string, count int, window time.Duration, related []Event) Event {
	ids := make([]string, 0, len(related))
	for _, r := range related {
		ids = append(ids, r.ID)
	}
	return Event{
		Type:      EventSuspiciousActivity,
		Severity:  severity,
		RequestID: trigger.RequestID,
		UserID:    trigger.UserID,
		IP:        trigger.IP,
		UserAgent: trigger.UserAgent,
		Path:      trigger.Path,
		Method:    trigger.Method,
		Details: map[string]any{
			"pattern":        pattern,
			"count":          count,
			"window":         window.String(),
			"related_events": ids,
		},
	}
}
