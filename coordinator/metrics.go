package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the sync cycle collectors. A nil *Metrics records nothing.
type Metrics struct {
	cycles   *prometheus.CounterVec
	duration prometheus.Histogram
	pushed   *prometheus.CounterVec
	pulled   *prometheus.CounterVec
	pending  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them in registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_cycles_total",
			Help: "Sync cycles by result status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datasync_cycle_duration_seconds",
			Help:    "Duration of sync cycles that reached the network.",
			Buckets: prometheus.DefBuckets,
		}),
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_records_pushed_total",
			Help: "Pushed records by backend and outcome.",
		}, []string{"backend", "outcome"}),
		pulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_records_pulled_total",
			Help: "Remote changes pulled by backend.",
		}, []string{"backend"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasync_pending_changes",
			Help: "Pending changes left after the last cycle.",
		}),
	}
	registry.MustRegister(m.cycles, m.duration, m.pushed, m.pulled, m.pending)
	return m
}

func (m *Metrics) observeCycle(status Status, took time.Duration, remaining int) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(string(status)).Inc()
	if status != StatusOffline {
		m.duration.Observe(took.Seconds())
		m.pending.Set(float64(remaining))
	}
}

func (m *Metrics) observePush(backend, outcome string) {
	if m == nil {
		return
	}
	m.pushed.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) observePull(backend string, n int) {
	if m == nil {
		return
	}
	m.pulled.WithLabelValues(backend).Add(float64(n))
}
