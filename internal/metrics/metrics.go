// Package metrics exposes Prometheus instruments for gateway decisions,
// security events, alerts and the IP block list.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sofatutor/deckguard/internal/monitor"
)

const namespace = "deckguard"

// Recorder holds the instruments. It satisfies monitor.Metrics and
// gateway.DecisionRecorder.
type Recorder struct {
	Decisions  *prometheus.CounterVec
	Events     *prometheus.CounterVec
	Alerts     *prometheus.CounterVec
	BlockedIPs prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewRecorder registers the instruments with reg. Pass
// prometheus.NewRegistry() in tests to keep registrations isolated.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_decisions_total",
			Help:      "Security pipeline outcomes by stage.",
		}, []string{"stage", "outcome"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events recorded by type and severity.",
		}, []string{"type", "severity"}),
		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_alerts_total",
			Help:      "Threshold alerts raised by type and severity.",
		}, []string{"type", "severity", "escalated"}),
		BlockedIPs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_ips",
			Help:      "IP addresses currently on the block list.",
		}),
		gatherer: reg,
	}
}

// ObserveDecision implements gateway.DecisionRecorder.
func (r *Recorder) ObserveDecision(stage, outcome string) {
	r.Decisions.WithLabelValues(stage, outcome).Inc()
}

// ObserveEvent implements monitor.Metrics.
func (r *Recorder) ObserveEvent(e monitor.Event) {
	r.Events.WithLabelValues(string(e.Type), string(e.Severity)).Inc()
}

// ObserveAlert implements monitor.Metrics.
func (r *Recorder) ObserveAlert(a monitor.Alert) {
	escalated := "false"
	if a.Escalated {
		escalated = "true"
	}
	r.Alerts.WithLabelValues(string(a.Type), string(a.Severity), escalated).Inc()
}

// SetBlockedIPs implements monitor.Metrics.
func (r *Recorder) SetBlockedIPs(n int) {
	r.BlockedIPs.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
