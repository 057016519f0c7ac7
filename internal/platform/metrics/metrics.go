// Package metrics owns the Prometheus registry and the collectors the
// server exports on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the HTTP and pipeline collectors on a private registry.
// A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	artifacts   *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinic_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clinic_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_pipeline_transitions_total",
			Help: "Committed care-pipeline operations.",
		}, []string{"operation"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_pipeline_rejections_total",
			Help: "Care-pipeline operations rejected, by error kind.",
		}, []string{"operation", "kind"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_artifacts_total",
			Help: "Laboratory artifact store operations.",
		}, []string{"op", "result"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.httpInFlight,
		r.transitions,
		r.rejections,
		r.artifacts,
	)
	return r
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}

func (r *Registry) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (r *Registry) RequestStarted() {
	if r == nil {
		return
	}
	r.httpInFlight.Inc()
}

func (r *Registry) RequestFinished() {
	if r == nil {
		return
	}
	r.httpInFlight.Dec()
}

// Transition counts a committed pipeline operation.
func (r *Registry) Transition(operation string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(operation).Inc()
}

// Rejection counts a pipeline operation that returned an error of kind.
func (r *Registry) Rejection(operation, kind string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(operation, kind).Inc()
}

// Artifact counts an artifact store operation ("save", "delete") by result.
func (r *Registry) Artifact(op string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.artifacts.WithLabelValues(op, result).Inc()
}
