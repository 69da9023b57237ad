// Package monitoring holds the Prometheus metrics and health checks of the
// snipbox server.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Preview pipeline
	RendersTotal      *prometheus.CounterVec
	RemountsTotal     prometheus.Counter
	DegradedTotal     prometheus.Counter
	SanitizerRemovals *prometheus.CounterVec
	RenderDuration    prometheus.Histogram
	SizeWarnings      *prometheus.CounterVec
	SessionsActive    prometheus.Gauge

	// Headless runs
	HeadlessRuns    *prometheus.CounterVec
	HeadlessBanners prometheus.Counter

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	PanicsRecovered prometheus.Counter

	// WebSocket
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// Storage
	StoreOperations *prometheus.CounterVec
	StoreReloads    prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics registers every metric on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RendersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipbox_preview_renders_total",
				Help: "Total number of preview renders",
			},
			[]string{"outcome"},
		),
		RemountsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "snipbox_preview_remounts_total",
			Help: "Renders that allocated a new isolation handle",
		}),
		DegradedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "snipbox_preview_degraded_total",
			Help: "Renders that ran without a sanitizer",
		}),
		SanitizerRemovals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipbox_sanitizer_removed_total",
				Help: "Elements and attributes removed by the sanitizer",
			},
			[]string{"kind"},
		),
		RenderDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "snipbox_preview_render_duration_seconds",
			Help:    "Time spent sanitizing and composing a preview",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		SizeWarnings: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipbox_preview_size_warnings_total",
				Help: "Renders whose sources exceeded a soft size threshold",
			},
			[]string{"source"},
		),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "snipbox_preview_sessions_active",
			Help: "Hosting views with a live refresh controller",
		}),

		HeadlessRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipbox_headless_runs_total",
				Help: "Headless containment checks",
			},
			[]string{"outcome"},
		),
		HeadlessBanners: f.NewCounter(prometheus.CounterOpts{
			Name: "snipbox_headless_banners_total",
			Help: "Error banners observed by the containment checker",
		}),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snipbox_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipbox_http_rate_limited_total",
				Help: "Requests rejected by a rate limiter",
			},
			[]string{"scope"},
		),
		PanicsRecovered: f.NewCounter(prometheus.CounterOpts{
			Name: "snipbox_http_panics_recovered_total",
			Help: "Handler panics turned into the fallback view",
		}),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "snipbox_websocket_connections",
			Help: "Open live preview sockets",
		}),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipbox_websocket_messages_total",
				Help: "Live preview socket messages",
			},
			[]string{"direction"},
		),

		StoreOperations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipbox_store_operations_total",
				Help: "Storage operations by backend and result",
			},
			[]string{"backend", "op", "result"},
		),
		StoreReloads: f.NewCounter(prometheus.CounterOpts{
			Name: "snipbox_store_reloads_total",
			Help: "Local store reloads after external edits",
		}),
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveStore records one storage operation.
func (m *Metrics) ObserveStore(backend, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreOperations.WithLabelValues(backend, op, result).Inc()
}
