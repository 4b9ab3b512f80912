// Package observability exposes Prometheus metrics for the bridge.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	uptime           prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	serversTotal     prometheus.Gauge
	serversConnected prometheus.Gauge
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	jobsByStatus     *prometheus.GaugeVec
	jobsFinished     *prometheus.CounterVec
	pendingConfirms  prometheus.Gauge
}

// NewMetricsManager creates a metrics manager with its own registry
func NewMetricsManager(logger *zap.Logger) *MetricsManager {
	mm := &MetricsManager{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	mm.initMetrics()
	mm.registerMetrics()
	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpbridge_uptime_seconds",
		Help: "Time since the application started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.serversTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpbridge_servers_total",
		Help: "Total number of registered backend sessions",
	})

	mm.serversConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpbridge_servers_connected",
		Help: "Number of initialized backend sessions",
	})

	mm.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"server", "tool", "status"},
	)

	mm.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "tool", "status"},
	)

	mm.jobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpbridge_jobs",
			Help: "Jobs currently in the queue by status",
		},
		[]string{"status"},
	)

	mm.jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_jobs_finished_total",
			Help: "Jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	mm.pendingConfirms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpbridge_pending_confirmations",
		Help: "Medium-risk tool calls awaiting confirmation",
	})
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.serversTotal,
		mm.serversConnected,
		mm.toolCalls,
		mm.toolDuration,
		mm.jobsByStatus,
		mm.jobsFinished,
		mm.pendingConfirms,
	)

	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records an HTTP request
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetServerStats updates backend-session gauges
func (mm *MetricsManager) SetServerStats(total, connected int) {
	mm.serversTotal.Set(float64(total))
	mm.serversConnected.Set(float64(connected))
}

// RecordToolCall records a tool call
func (mm *MetricsManager) RecordToolCall(server, tool, status string, duration time.Duration) {
	mm.toolCalls.WithLabelValues(server, tool, status).Inc()
	mm.toolDuration.WithLabelValues(server, tool, status).Observe(duration.Seconds())
}

// SetJobStats updates the per-status job gauge
func (mm *MetricsManager) SetJobStats(byStatus map[string]int) {
	mm.jobsByStatus.Reset()
	for status, count := range byStatus {
		mm.jobsByStatus.WithLabelValues(status).Set(float64(count))
	}
}

// RecordJobFinished counts a terminal job transition
func (mm *MetricsManager) RecordJobFinished(status string) {
	mm.jobsFinished.WithLabelValues(status).Inc()
}

// SetPendingConfirmations updates the confirmation gauge
func (mm *MetricsManager) SetPendingConfirmations(count int) {
	mm.pendingConfirms.Set(float64(count))
}

// Registry returns the Prometheus registry for custom metrics
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// HTTPMiddleware returns middleware that records request counts and
// latencies with the response status captured from the writer.
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			mm.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(ww.statusCode), time.Since(start))
		})
	}
}

// responseWriter captures the status code for metrics
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
