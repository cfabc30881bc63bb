package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.BetAccepted("BALL", 10)
		m.BetRejected("market_not_open")
		m.SetConnections(3)
		m.ObserveRPC("ping", time.Millisecond, "timeout")
		m.Reconnect("full", "ok")
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.BetAccepted("BALL", 10)
	m.BetAccepted("BALL", 5)
	m.BetRejected("rate_limited")
	m.SetConnections(4)
	m.EventSent("ODDS_UPDATE", 3)
	m.ObserveRPC("submit_app_state", 20*time.Millisecond, "")
	m.ObserveRPC("submit_app_state", time.Second, "timeout")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BetsAccepted.WithLabelValues("BALL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BetsRejected.WithLabelValues("rate_limited")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsSent.WithLabelValues("ODDS_UPDATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCErrors.WithLabelValues("submit_app_state", "timeout")))
}
