package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ScanDone("ok", 1)
		m.SignalEmitted("LONG")
		m.PositionOpened(true)
		m.PositionClosed("Hit SL")
		m.OpenRejected("insufficient_funds")
		m.Failure("fetch_candles")
		m.Ledger(1, 10)
	})
}

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.PositionOpened(false)
	m.PositionOpened(false)
	m.PositionOpened(true)
	m.PositionClosed("Hit TP")
	m.Failure("fetch_price")
	m.Ledger(2, 960.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Opens.WithLabelValues("virtual")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Opens.WithLabelValues("real")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Closes.WithLabelValues("Hit TP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("fetch_price")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpenPositions))
	assert.Equal(t, 960.5, testutil.ToFloat64(m.AvailableBalance))
}
