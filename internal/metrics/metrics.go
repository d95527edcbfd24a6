// Package metrics exposes the trader's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "swing_trader"

type Metrics struct {
	Scans            *prometheus.CounterVec
	Signals          *prometheus.CounterVec
	Opens            *prometheus.CounterVec
	Closes           *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	OpenPositions    prometheus.Gauge
	AvailableBalance prometheus.Gauge
	ScanDuration     prometheus.Histogram
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Signal scan passes by result",
		}, []string{"result"}),
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Actionable signals by direction",
		}, []string{"direction"}),
		Opens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened by trade mode",
		}, []string{"mode"}),
		Closes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions closed by reason",
		}, []string{"reason"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_rejections_total",
			Help:      "Rejected open requests by cause",
		}, []string{"cause"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Per-item failures by stage",
		}, []string{"stage"}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Currently open positions",
		}),
		AvailableBalance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available_balance",
			Help:      "Available virtual balance",
		}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of one signal scan pass",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) ScanDone(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(result).Inc()
	m.ScanDuration.Observe(seconds)
}

func (m *Metrics) SignalEmitted(direction string) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(direction).Inc()
}

func (m *Metrics) PositionOpened(real bool) {
	if m == nil {
		return
	}
	mode := "virtual"
	if real {
		mode = "real"
	}
	m.Opens.WithLabelValues(mode).Inc()
}

func (m *Metrics) PositionClosed(reason string) {
	if m == nil {
		return
	}
	m.Closes.WithLabelValues(reason).Inc()
}

func (m *Metrics) OpenRejected(cause string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(cause).Inc()
}

func (m *Metrics) Failure(stage string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(stage).Inc()
}

// Ledger updates the gauges that mirror ledger state.
func (m *Metrics) Ledger(open int, available float64) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(open))
	m.AvailableBalance.Set(available)
}
