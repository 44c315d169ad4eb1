package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/rpctester/pkg/types"
)

// Metrics holds the Prometheus series of a tester process plus the
// in-memory per-path latency table. A nil *Metrics records nothing.
type Metrics struct {
	CallsTotal        *prometheus.CounterVec
	CallLatency       *prometheus.HistogramVec
	NonceLockWait     prometheus.Histogram
	NonceLockTimeouts prometheus.Counter
	Connections       *prometheus.GaugeVec
	PhaseDuration     *prometheus.GaugeVec

	Paths *PathLatency
}

// New creates and registers all metrics on reg (default registerer if nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpctester_calls_total",
				Help: "Script entries executed by kind and status",
			},
			[]string{"kind", "status"},
		),

		CallLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpctester_call_latency_seconds",
				Help:    "Script entry latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),

		NonceLockWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rpctester_nonce_lock_wait_seconds",
				Help:    "Time spent waiting for the nonce table lock",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5},
			},
		),

		NonceLockTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rpctester_nonce_lock_timeouts_total",
				Help: "Nonce table lock acquisitions that timed out",
			},
		),

		Connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rpctester_connections",
				Help: "Connections by state after the connect phase",
			},
			[]string{"state"},
		),

		PhaseDuration: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rpctester_run_phase_seconds",
				Help: "Duration of the last run phase",
			},
			[]string{"phase"},
		),

		Paths: NewPathLatency(),
	}
}

// RecordCall records one executed script entry.
func (m *Metrics) RecordCall(kind, path string, status types.EntryStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(kind, string(status)).Inc()
	m.CallLatency.WithLabelValues(kind).Observe(d.Seconds())
	m.Paths.Add(path, float64(d.Microseconds())/1000)
}

// RecordNonceLockWait records one nonce lock acquisition attempt.
func (m *Metrics) RecordNonceLockWait(d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.NonceLockWait.Observe(d.Seconds())
	if timedOut {
		m.NonceLockTimeouts.Inc()
	}
}

// RecordConnections records the outcome of the connect phase.
func (m *Metrics) RecordConnections(open, failed int) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues("open").Set(float64(open))
	m.Connections.WithLabelValues("failed").Set(float64(failed))
}

// RecordPhase records the duration of a run phase.
func (m *Metrics) RecordPhase(phase types.Phase, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(string(phase)).Set(d.Seconds())
}

// PathStats returns per-path latency summaries.
func (m *Metrics) PathStats() map[string]*types.LatencyStats {
	if m == nil {
		return nil
	}
	return m.Paths.Stats()
}
