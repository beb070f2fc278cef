// Package metrics exposes sync engine measurements as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrafusion/syncservice/internal/application/ports"
)

const (
	// DefaultNamespace prefixes every metric name.
	DefaultNamespace = "terrasync"
	subsystem        = "sync"
)

// Compile-time check that Collector implements MetricsPort.
var _ ports.MetricsPort = (*Collector)(nil)

// Collector records engine metrics into its own registry.
type Collector struct {
	registry *prometheus.Registry

	outcomes          *prometheus.CounterVec
	retries           *prometheus.CounterVec
	conflicts         *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeJobs        prometheus.Gauge
	jobs              *prometheus.CounterVec
	auditEvents       *prometheus.CounterVec
}

// NewCollector creates a collector in DefaultNamespace.
func NewCollector() *Collector {
	return NewNamespacedCollector(DefaultNamespace)
}

// NewNamespacedCollector creates a collector backed by a fresh registry that
// also carries the Go runtime and process collectors. An empty namespace
// falls back to DefaultNamespace.
func NewNamespacedCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "records_total",
				Help:      "Records processed by table and outcome",
			},
			[]string{"table", "outcome"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retries_total",
				Help:      "Operation retries scheduled by table",
			},
			[]string{"table"},
		),
		conflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "conflicts_total",
				Help:      "Conflicts detected by table and resolution strategy",
			},
			[]string{"table", "strategy"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Duration of single-record writes against the target",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"table", "operation"},
		),
		activeJobs: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_jobs",
				Help:      "Jobs currently running or resuming",
			},
		),
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "jobs_total",
				Help:      "Jobs finished by final status",
			},
			[]string{"status"},
		),
		auditEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Audit events stored by type",
			},
			[]string{"event_type"},
		),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordOutcome(table, outcome string) {
	c.outcomes.WithLabelValues(table, outcome).Inc()
}

func (c *Collector) RecordRetry(table string) {
	c.retries.WithLabelValues(table).Inc()
}

func (c *Collector) RecordConflict(table, strategy string) {
	c.conflicts.WithLabelValues(table, strategy).Inc()
}

func (c *Collector) ObserveOperation(table, operation string, d time.Duration) {
	c.operationDuration.WithLabelValues(table, operation).Observe(d.Seconds())
}

func (c *Collector) SetActiveJobs(n int) {
	c.activeJobs.Set(float64(n))
}

func (c *Collector) RecordJob(status string) {
	c.jobs.WithLabelValues(status).Inc()
}

func (c *Collector) RecordAuditEvent(eventType string) {
	c.auditEvents.WithLabelValues(eventType).Inc()
}

// Nop discards every measurement.
type Nop struct{}

var _ ports.MetricsPort = Nop{}

func (Nop) RecordOutcome(string, string) {}
func (Nop) RecordRetry(string) {}
func (Nop) RecordConflict(string, string) {}
func (Nop) ObserveOperation(string, string, time.Duration) {}
func (Nop) SetActiveJobs(int) {}
func (Nop) RecordJob(string) {}
func (Nop) RecordAuditEvent(string) {}
