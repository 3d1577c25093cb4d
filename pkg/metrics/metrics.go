// Package metrics exposes the inventory's Prometheus collectors. Every
// recording method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inventory"

// Metrics holds the registry and every collector the service records.
type Metrics struct {
	Registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	pluginCalls      *prometheus.CounterVec
	adapterFailures  prometheus.Counter
	collectedRecords *prometheus.CounterVec
	managedSync      *prometheus.CounterVec
	rollbacks        prometheus.Counter
	jobTasks         *prometheus.CounterVec
	auditPruned      prometheus.Counter
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		pluginCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_calls_total",
			Help:      "Collector plugin calls by method and result.",
		}, []string{"method", "result"}),
		adapterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_failures_total",
			Help:      "Collected records that could not be adapted.",
		}),
		collectedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collected_records_total",
			Help:      "Collected records by resource type and outcome.",
		}, []string{"resource_type", "outcome"}),
		managedSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "managed_sync_actions_total",
			Help:      "Managed resource sync actions by kind and action.",
		}, []string{"kind", "action"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Multi-step writes that were rolled back.",
		}),
		jobTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_tasks_finished_total",
			Help:      "Finished collection job tasks by status.",
		}, []string{"status"}),
		auditPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_pruned_total",
			Help:      "Audit events deleted by the retention worker.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.pluginCalls,
		m.adapterFailures,
		m.collectedRecords,
		m.managedSync,
		m.rollbacks,
		m.jobTasks,
		m.auditPruned,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) PluginCall(method string, err error) {
	if m == nil {
		return
	}
	m.pluginCalls.WithLabelValues(method, result(err)).Inc()
}

func (m *Metrics) AdapterFailure() {
	if m == nil {
		return
	}
	m.adapterFailures.Inc()
}

// CollectedRecord counts one processed record. outcome is one of created,
// updated, failure or skipped.
func (m *Metrics) CollectedRecord(resourceType, outcome string) {
	if m == nil {
		return
	}
	m.collectedRecords.WithLabelValues(resourceType, outcome).Inc()
}

func (m *Metrics) ManagedSync(kind, action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.managedSync.WithLabelValues(kind, action).Add(float64(n))
}

func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

func (m *Metrics) JobTaskFinished(status string) {
	if m == nil {
		return
	}
	m.jobTasks.WithLabelValues(status).Inc()
}

func (m *Metrics) AuditEventsPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.auditPruned.Add(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency. Routes are labeled with
// the chi route pattern to keep label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
