// Package metrics exposes evaluation and polling counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/polygraph/internal/models"
	"github.com/rewired-gh/polygraph/internal/monitor"
)

const namespace = "polygraph"

// Metrics holds every collector on a private registry, so several instances can
// coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	snapshotsEvaluated prometheus.Counter
	snapshotsSkipped   *prometheus.CounterVec
	signalsEmitted     *prometheus.CounterVec
	signalScores       *prometheus.HistogramVec
	baselinesTracked   prometheus.Gauge

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	marketsPolled prometheus.Gauge
	marketsFailed prometheus.Gauge
	lastCycle     prometheus.Gauge
}

// New registers all collectors, including the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		snapshotsEvaluated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "snapshots_evaluated_total",
			Help:      "Snapshots that reached the detectors",
		}),
		snapshotsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "snapshots_skipped_total",
			Help:      "Snapshots that produced no evaluation, by condition",
		}, []string{"condition"}),
		signalsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "signals_emitted_total",
			Help:      "Signals emitted by type",
		}, []string{"signal_type"}),
		signalScores: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "signal_score",
			Help:      "Distribution of emitted signal scores",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}, []string{"signal_type"}),
		baselinesTracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "baselines_tracked",
			Help:      "Markets with a live baseline",
		}),

		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Polling cycles by result",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a polling cycle",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		marketsPolled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "markets_polled",
			Help:      "Markets polled in the last cycle",
		}),
		marketsFailed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "markets_failed",
			Help:      "Markets whose poll failed in the last cycle",
		}),
		lastCycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last completed cycle",
		}),
	}
}

func (m *Metrics) SnapshotEvaluated() { m.snapshotsEvaluated.Inc() }

func (m *Metrics) SnapshotSkipped(c monitor.Condition) {
	m.snapshotsSkipped.WithLabelValues(string(c)).Inc()
}

func (m *Metrics) SignalEmitted(s models.Signal) {
	m.signalsEmitted.WithLabelValues(string(s.Type)).Inc()
	m.signalScores.WithLabelValues(string(s.Type)).Observe(s.Score)
}

func (m *Metrics) BaselinesTracked(n int) { m.baselinesTracked.Set(float64(n)) }

// ObserveCycle records the outcome of one poller cycle.
func (m *Metrics) ObserveCycle(stats monitor.CycleStats, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(stats.Duration.Seconds())
	m.marketsPolled.Set(float64(stats.Markets))
	m.marketsFailed.Set(float64(stats.Failed))
	m.lastCycle.SetToCurrentTime()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var _ monitor.Recorder = (*Metrics)(nil)
