// Package telemetry exposes Prometheus counters for the notification engine.
//
// All methods are safe on a nil *Metrics so components can run without
// telemetry wired in.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "campusnotify"

type Metrics struct {
	reg *prometheus.Registry

	triggers     *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	deduplicated *prometheus.CounterVec
	scanRuns     *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	ticksSkipped prometheus.Counter
	httpRequests *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Trigger invocations by trigger type and result (matched, no_rule, deduplicated).",
		}, []string{"trigger", "result"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery records appended, by trigger type and outcome (created, error).",
		}, []string{"trigger", "outcome"}),
		deduplicated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_deduplicated_total",
			Help:      "Recipients skipped because an equivalent record exists in the dedup window.",
		}, []string{"trigger"}),
		scanRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "scan_runs_total",
			Help:      "Scan task executions by task and result.",
		}, []string{"scan", "result"}),
		scanDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "scan_duration_seconds",
			Help:      "Scan task duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scan"}),
		ticksSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous tick was still running.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests by route pattern and status code class.",
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Trigger(trigger, result string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) Delivery(trigger, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) Deduplicated(trigger string) {
	if m == nil {
		return
	}
	m.deduplicated.WithLabelValues(trigger).Inc()
}

func (m *Metrics) Scan(scan string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.scanRuns.WithLabelValues(scan, result).Inc()
	m.scanDuration.WithLabelValues(scan).Observe(d.Seconds())
}

func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, codeClass(code)).Inc()
}

func codeClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
