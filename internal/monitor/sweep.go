package monitor

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// SweepResult reports what a sweep removed.
type SweepResult struct {
	Events        int
	Alerts        int
	Blocks        int
	PurgedDurable int64
}

// Sweep drops events and alerts older than MaxAge, expired blocks and stale
// detector cool-downs, then purges the durable sink when it supports it.
func (m *Monitor) Sweep(ctx context.Context) SweepResult {
	now := m.now()
	cutoff := now.Add(-m.cfg.MaxAge)

	m.mu.Lock()
	res := SweepResult{Events: m.ring.dropOlder(cutoff)}

	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if a.CreatedAt.After(cutoff) {
			kept = append(kept, a)
		}
	}
	res.Alerts = len(m.alerts) - len(kept)
	for i := len(kept); i < len(m.alerts); i++ {
		m.alerts[i] = Alert{}
	}
	m.alerts = kept

	for ip, b := range m.blocks {
		if !now.Before(b.Until) {
			delete(m.blocks, ip)
			res.Blocks++
		}
	}
	for user, at := range m.bruteForce {
		if now.Sub(at) >= m.cfg.BruteForceWindow {
			delete(m.bruteForce, user)
		}
	}
	for ip, at := range m.bursts {
		if now.Sub(at) >= m.cfg.BurstWindow {
			delete(m.bursts, ip)
		}
	}
	for t, st := range m.lastAlert {
		if now.Sub(st.at) >= m.cfg.Thresholds[t].Window {
			delete(m.lastAlert, t)
		}
	}
	blocks := len(m.blocks)
	m.mu.Unlock()

	if res.Blocks > 0 {
		m.metrics.SetBlockedIPs(blocks)
	}
	if p, ok := m.sink.(Purger); ok {
		n, err := p.Purge(ctx, cutoff)
		if err != nil {
			m.logger.Warn("failed to purge durable security events", zap.Error(err))
		}
		res.PurgedDurable = n
	}
	return res
}

// Start launches the periodic sweep. Calling Start on a running Monitor is a no-op.
func (m *Monitor) Start() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.sweepLoop(m.stopCh, m.doneCh)
}

// Stop halts the periodic sweep. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
	m.doneCh = nil
}

// Close stops the sweep and flushes queued events to the sink.
func (m *Monitor) Close() {
	m.Stop()
	if m.dispatcher != nil {
		m.dispatcher.close()
	}
}

func (m *Monitor) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SinkTimeout)
			res := m.Sweep(ctx)
			cancel()
			if res.Events+res.Alerts+res.Blocks > 0 || res.PurgedDurable > 0 {
				m.logger.Debug("security monitor sweep",
					zap.Int("events", res.Events),
					zap.Int("alerts", res.Alerts),
					zap.Int("blocks", res.Blocks),
					zap.Int64("purged_durable", res.PurgedDurable))
			}
		}
	}
}

// Statistics summarises the events recorded within window of now.
func (m *Monitor) Statistics(window time.Duration) Statistics {
	now := m.now()
	cutoff := now.Add(-window)

	m.mu.Lock()
	events := m.ring.since(cutoff, nil)
	alerts := 0
	for _, a := range m.alerts {
		if a.CreatedAt.After(cutoff) {
			alerts++
		}
	}
	blocked := 0
	for _, b := range m.blocks {
		if now.Before(b.Until) {
			blocked++
		}
	}
	m.mu.Unlock()

	stats := Statistics{
		Window:      window,
		TotalEvents: len(events),
		ByType:      make(map[EventType]int),
		BySeverity:  make(map[Severity]int),
		Alerts:      alerts,
		BlockedIPs:  blocked,
	}
	ips := map[string]int{}
	users := map[string]int{}
	for _, e := range events {
		stats.ByType[e.Type]++
		stats.BySeverity[e.Severity]++
		if e.IP != "" {
			ips[e.IP]++
		}
		if e.UserID != "" {
			users[e.UserID]++
		}
	}
	stats.TopIPs = topN(ips, 10)
	stats.TopUsers = topN(users, 10)
	return stats
}

func topN(counts map[string]int, n int) []Counted {
	out := make([]Counted, 0, len(counts))
	for k, c := range counts {
		out = append(out, Counted{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
