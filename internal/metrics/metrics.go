// Package metrics holds the Prometheus collectors for ingestion and
// reconciliation. Collectors live on a private registry so tests and
// multiple commands in one process never collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every recorder is then a
// no-op.
type Metrics struct {
	Registry *prometheus.Registry

	// ingestItems counts notifications by outcome
	ingestItems *prometheus.CounterVec
	// ingestFiles counts file records by outcome
	ingestFiles *prometheus.CounterVec
	// timestampFallbacks counts lenient timestamps replaced by the wall clock
	timestampFallbacks prometheus.Counter

	reconcileRuns     *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	orphans           *prometheus.GaugeVec
	notifications     *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ingestItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instidx_ingest_items_total",
			Help: "Store-change notifications handled, by outcome",
		}, []string{"outcome"}),
		ingestFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instidx_ingest_files_total",
			Help: "File records handled, by outcome",
		}, []string{"outcome"}),
		timestampFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "instidx_timestamp_fallbacks_total",
			Help: "Unparseable timestamps replaced by the current time in lenient mode",
		}),
		reconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instidx_reconcile_runs_total",
			Help: "Reconciliation runs by status",
		}, []string{"status"}),
		reconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "instidx_reconcile_duration_seconds",
			Help:    "Reconciliation run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		}),
		orphans: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instidx_orphaned_keys",
			Help: "Keys found by the last reconciliation in only one of store or index",
		}, []string{"location"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instidx_notifications_total",
			Help: "Notification attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) IngestItem(outcome string) {
	if m == nil {
		return
	}
	m.ingestItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IngestFiles(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ingestFiles.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) TimestampFallback() {
	if m == nil {
		return
	}
	m.timestampFallbacks.Inc()
}

// ReconcileRun records a finished run. store and index are the orphan counts.
func (m *Metrics) ReconcileRun(status string, elapsed time.Duration, store, index int) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
	m.reconcileDuration.Observe(elapsed.Seconds())
	if status != "failed" {
		m.orphans.WithLabelValues("store").Set(float64(store))
		m.orphans.WithLabelValues("index").Set(float64(index))
	}
}

func (m *Metrics) Notification(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}
