// Package metrics defines the exchange's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing, so components can run without instrumentation.
type Metrics struct {
	BetsAccepted  *prometheus.CounterVec
	BetsRejected  *prometheus.CounterVec
	BetAmount     prometheus.Histogram
	MarketStatus  *prometheus.CounterVec
	Settlements   *prometheus.CounterVec
	Payout        prometheus.Counter
	Connections   prometheus.Gauge
	EventsSent    *prometheus.CounterVec
	EventsDropped prometheus.Counter
	RPCDuration   *prometheus.HistogramVec
	RPCErrors     *prometheus.CounterVec
	Reconnects    *prometheus.CounterVec
	SessionPushes *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction never collides.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	rpcBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		BetsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pitch_bets_accepted_total",
			Help: "Bets accepted, by outcome",
		}, []string{"outcome"}),

		BetsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pitch_bets_rejected_total",
			Help: "Bets rejected, by reason",
		}, []string{"reason"}),

		BetAmount: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pitch_bet_amount",
			Help:    "Accepted bet size in the settlement asset",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),

		MarketStatus: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pitch_market_transitions_total",
			Help: "Market lifecycle transitions, by target status",
		}, []string{"status"}),

		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pitch_settlements_total",
			Help: "Settlement rows archived, by result",
		}, []string{"result"}),

		Payout: f.NewCounter(prometheus.CounterOpts{
			Name: "pitch_payout_total",
			Help: "Total payout owed to winning positions",
		}),

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "pitch_realtime_connections",
			Help: "Registered realtime connections",
		}),

		EventsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pitch_realtime_events_sent_total",
			Help: "Realtime messages delivered to connections, by event type",
		}, []string{"type"}),

		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "pitch_realtime_events_dropped_total",
			Help: "Realtime messages dropped for slow or closed connections",
		}),

		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pitch_clearnode_rpc_duration_seconds",
			Help:    "Clearnode call round trip",
			Buckets: rpcBuckets,
		}, []string{"method"}),

		RPCErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pitch_clearnode_rpc_errors_total",
			Help: "Failed Clearnode calls, by method and kind",
		}, []string{"method", "kind"}),

		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pitch_clearnode_reconnects_total",
			Help: "Clearnode reconnects, by kind (light, full) and result",
		}, []string{"kind", "result"}),

		SessionPushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pitch_session_pushes_total",
			Help: "Best-effort funding session pushes, by operation and result",
		}, []string{"op", "result"}),
	}
}

func (m *Metrics) BetAccepted(outcome string, amount float64) {
	if m == nil {
		return
	}
	m.BetsAccepted.WithLabelValues(outcome).Inc()
	m.BetAmount.Observe(amount)
}

func (m *Metrics) BetRejected(reason string) {
	if m == nil {
		return
	}
	m.BetsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) MarketTransition(status string) {
	if m == nil {
		return
	}
	m.MarketStatus.WithLabelValues(status).Inc()
}

func (m *Metrics) Settled(result string, payout float64) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(result).Inc()
	m.Payout.Add(payout)
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

func (m *Metrics) EventSent(eventType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsSent.WithLabelValues(eventType).Add(float64(n))
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// ObserveRPC records one Clearnode call. kind is empty on success.
func (m *Metrics) ObserveRPC(method string, took time.Duration, kind string) {
	if m == nil {
		return
	}
	m.RPCDuration.WithLabelValues(method).Observe(took.Seconds())
	if kind != "" {
		m.RPCErrors.WithLabelValues(method, kind).Inc()
	}
}

func (m *Metrics) Reconnect(kind, result string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SessionPush(op, result string) {
	if m == nil {
		return
	}
	m.SessionPushes.WithLabelValues(op, result).Inc()
}
