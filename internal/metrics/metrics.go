// Package metrics exposes heartbeatd's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heartbeatd/internal/reconcile"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "heartbeatd"

// Metrics holds the service's collectors. It implements reconcile.Observer.
type Metrics struct {
	registry *prometheus.Registry

	BeatsTotal            prometheus.Counter
	AbsencesCreatedTotal  prometheus.Counter
	AbsencesDeletedTotal  prometheus.Counter
	ReconcileGapSeconds   prometheus.Histogram
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	LongestAbsenceSeconds prometheus.GaugeFunc
	UptimeSeconds         prometheus.GaugeFunc
}

var _ reconcile.Observer = (*Metrics)(nil)

// New registers the service metrics on reg, or on a fresh registry when reg
// is nil. longest reports the current longest-absence watermark.
func New(reg *prometheus.Registry, namespace string, longest func() int64) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if longest == nil {
		longest = func() int64 { return 0 }
	}
	started := time.Now()

	m := &Metrics{
		registry: reg,
		BeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "beats_total",
			Help:      "Total number of beats recorded.",
		}),
		AbsencesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "absences",
			Name:      "created_total",
			Help:      "Total number of absences created.",
		}),
		AbsencesDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "absences",
			Name:      "deleted_total",
			Help:      "Total number of absences invalidated by backfilled beats.",
		}),
		ReconcileGapSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "longest_gap_seconds",
			Help:      "Longest gap evaluated by each reconciliation.",
			Buckets:   []float64{60, 600, 3600, 4 * 3600, 12 * 3600, 86400, 7 * 86400},
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms .. ~4s
		}, []string{"route"}),
		LongestAbsenceSeconds: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "longest_absence_seconds",
			Help:      "Longest gap observed between consecutive beats.",
		}, func() float64 { return float64(longest()) }),
		UptimeSeconds: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the server started.",
		}, func() float64 { return time.Since(started).Seconds() }),
	}

	reg.MustRegister(
		m.BeatsTotal,
		m.AbsencesCreatedTotal,
		m.AbsencesDeletedTotal,
		m.ReconcileGapSeconds,
		m.RequestsTotal,
		m.RequestDuration,
		m.LongestAbsenceSeconds,
		m.UptimeSeconds,
	)

	return m
}

// ObserveOutcome records a committed reconciliation.
func (m *Metrics) ObserveOutcome(_ context.Context, o reconcile.Outcome) {
	m.BeatsTotal.Add(float64(len(o.Beats)))
	m.AbsencesCreatedTotal.Add(float64(len(o.Created)))
	m.AbsencesDeletedTotal.Add(float64(len(o.Deleted)))
	if o.LongestGap > 0 {
		m.ReconcileGapSeconds.Observe(float64(o.LongestGap))
	}
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		m.registry,
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Timeout: 10 * time.Second}),
	)
}
