// Package metrics exposes Prometheus collectors for the signaling relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the relay's collectors. A nil *Metrics is valid and records
// nothing, so components can be constructed without instrumentation in tests.
type Metrics struct {
	// OnlineUsers tracks users holding a live connection.
	OnlineUsers prometheus.Gauge

	// ActiveSessions tracks sessions in the active state.
	ActiveSessions prometheus.Gauge

	// SessionsCreated counts sessions created by start_call.
	SessionsCreated prometheus.Counter

	// SessionsEnded counts terminated sessions.
	// Labels: reason (hangup|disconnected|timeout|forced)
	SessionsEnded *prometheus.CounterVec

	// Events counts inbound signaling events.
	// Labels: type, outcome (ok|error)
	Events *prometheus.CounterVec

	// Deliveries counts outbound signals.
	// Labels: path (live|queued|drained|dropped)
	Deliveries *prometheus.CounterVec

	// QueueEvictions counts pending messages discarded by the per-peer cap.
	QueueEvictions prometheus.Counter

	// BroadcastFailures counts presence fan-out sends that failed.
	BroadcastFailures prometheus.Counter

	// SweepDuration measures one expiry sweep in seconds.
	SweepDuration prometheus.Histogram

	// SweptSessions counts sessions removed by the sweeper.
	SweptSessions prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates and registers the relay collectors on reg. Passing nil uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callrelay_online_users",
			Help: "Number of users currently holding a signaling connection",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callrelay_active_sessions",
			Help: "Number of call sessions in the active state",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_sessions_created_total",
			Help: "Total number of call sessions created",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_sessions_ended_total",
			Help: "Total number of call sessions ended by reason",
		}, []string{"reason"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_events_total",
			Help: "Total number of inbound signaling events by type and outcome",
		}, []string{"type", "outcome"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_deliveries_total",
			Help: "Total number of relayed signals by delivery path",
		}, []string{"path"}),
		QueueEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_queue_evictions_total",
			Help: "Pending messages discarded because a peer queue was full",
		}),
		BroadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_broadcast_failures_total",
			Help: "Presence notifications that could not be delivered",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callrelay_sweep_duration_seconds",
			Help:    "Duration of expiry sweeps in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		}),
		SweptSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_swept_sessions_total",
			Help: "Sessions removed by the expiry sweeper",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(n))
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

// Event records one inbound event. ok=false means the peer got a failure response.
func (m *Metrics) Event(eventType string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.Events.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) Delivered(path string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(path).Inc()
}

func (m *Metrics) QueueEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueEvictions.Add(float64(n))
}

func (m *Metrics) BroadcastFailed() {
	if m == nil {
		return
	}
	m.BroadcastFailures.Inc()
}

// Swept records one sweep pass.
func (m *Metrics) Swept(removed int, took time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(took.Seconds())
	if removed > 0 {
		m.SweptSessions.Add(float64(removed))
	}
}
