// Package telemetry provides Prometheus metrics for the monitor.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Alias1177/Sentinel/models"
)

const namespace = "sentinel"

// Metrics holds all Prometheus metrics for the monitor.
type Metrics struct {
	// Pipeline metrics
	TicksProcessed *prometheus.CounterVec
	TicksRejected  *prometheus.CounterVec
	Anomalies      *prometheus.CounterVec
	Decisions      *prometheus.CounterVec

	// State metrics
	TrustScore *prometheus.GaugeVec
	MSIScore   prometheus.Gauge
	Reports    *prometheus.CounterVec

	// Alerting metrics
	AlertsSent    prometheus.Counter
	AlertsDropped *prometheus.CounterVec

	// Audit metrics
	AuditsDropped *prometheus.CounterVec
}

// NewMetrics registers every metric on reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated from the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "ticks_processed_total",
			Help:      "Total number of ticks that passed detection, trust and protection",
		}, []string{"instrument"}),
		TicksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "ticks_rejected_total",
			Help:      "Total number of malformed or out-of-order ticks",
		}, []string{"instrument", "reason"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "anomalies_total",
			Help:      "Total number of ticks flagged by the ensemble",
		}, []string{"instrument"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protection",
			Name:      "decisions_total",
			Help:      "Protection gate decisions by verdict",
		}, []string{"verdict"}),

		TrustScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "score",
			Help:      "Current trust score per instrument",
		}, []string{"instrument"}),
		MSIScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stability",
			Name:      "msi_score",
			Help:      "Latest market stability index",
		}),
		Reports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stability",
			Name:      "reports_total",
			Help:      "Stability reports computed by market state",
		}, []string{"market_state"}),

		AlertsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "sent_total",
			Help:      "Alerts delivered to Telegram",
		}),
		AlertsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "dropped_total",
			Help:      "Alerts not delivered",
		}, []string{"reason"}),

		AuditsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Audit records not persisted",
		}, []string{"kind", "reason"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveTick records one enriched tick. Safe on a nil receiver.
func (m *Metrics) ObserveTick(t models.EnrichedTick) {
	if m == nil {
		return
	}
	m.TicksProcessed.WithLabelValues(t.InstrumentID).Inc()
	if t.IsAnomaly {
		m.Anomalies.WithLabelValues(t.InstrumentID).Inc()
	}
	m.Decisions.WithLabelValues(string(t.ProtectionDecision.ActionTaken)).Inc()
	m.TrustScore.WithLabelValues(t.InstrumentID).Set(t.TrustScore)
}

// ObserveRejection records a tick rejected before detection
func (m *Metrics) ObserveRejection(instrument, reason string) {
	if m == nil {
		return
	}
	m.TicksRejected.WithLabelValues(instrument, reason).Inc()
}

// ObserveReport records a stability report
func (m *Metrics) ObserveReport(r models.StabilityReport) {
	if m == nil {
		return
	}
	m.MSIScore.Set(r.MSIScore)
	m.Reports.WithLabelValues(string(r.MarketState)).Inc()
}

// AlertSent records a delivered alert
func (m *Metrics) AlertSent() {
	if m == nil {
		return
	}
	m.AlertsSent.Inc()
}

// AlertDropped records an alert that was rate limited or failed
func (m *Metrics) AlertDropped(reason string) {
	if m == nil {
		return
	}
	m.AlertsDropped.WithLabelValues(reason).Inc()
}

// AuditDropped records an audit record that was not persisted
func (m *Metrics) AuditDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.AuditsDropped.WithLabelValues(kind, reason).Inc()
}
