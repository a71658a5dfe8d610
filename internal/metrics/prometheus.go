// Package metrics provides Prometheus metrics for flagd.
package metrics

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Push outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeGone      = "gone"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	responseSize     *prometheus.HistogramVec

	mutationsTotal *prometheus.CounterVec
	idAllocations  prometheus.Counter

	broadcastsTotal   *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
	pushesTotal       *prometheus.CounterVec
	connectionsPruned prometheus.Counter
	openSockets       prometheus.Gauge

	healthStatus prometheus.Gauge
}

var globalMetrics *Metrics

// NewMetrics creates and registers Prometheus metrics. Registration happens
// once per process; later calls return the same instance.
func NewMetrics() *Metrics {
	if globalMetrics != nil {
		return globalMetrics
	}

	globalMetrics = &Metrics{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flagsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flagsync_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		requestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flagsync_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
		responseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flagsync_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
			},
			[]string{"method", "path"},
		),
		mutationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flagsync_mutations_total",
				Help: "Total number of flag mutations by operation and result",
			},
			[]string{"operation", "status"},
		),
		idAllocations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flagsync_id_allocations_total",
				Help: "Total number of flag ids allocated",
			},
		),
		broadcastsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flagsync_broadcasts_total",
				Help: "Total number of change broadcasts by event type",
			},
			[]string{"event"},
		),
		broadcastDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flagsync_broadcast_duration_seconds",
				Help:    "Time from registry snapshot until every push and prune settled",
				Buckets: prometheus.DefBuckets,
			},
		),
		pushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flagsync_pushes_total",
				Help: "Total number of per-connection pushes by outcome",
			},
			[]string{"outcome"},
		),
		connectionsPruned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flagsync_connections_pruned_total",
				Help: "Total number of registrations removed after a gone signal",
			},
		),
		openSockets: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flagsync_websocket_open_connections",
				Help: "Number of WebSocket connections held by this process",
			},
		),
		healthStatus: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flagsync_health_status",
				Help: "Health status of flagd (1 = healthy, 0 = unhealthy)",
			},
		),
	}

	return globalMetrics
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.requestsTotal.WithLabelValues(method, path, status).Inc()
	m.requestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordResponseSize records the response size.
func (m *Metrics) RecordResponseSize(method, path string, size int) {
	m.responseSize.WithLabelValues(method, path).Observe(float64(size))
}

// IncRequestsInFlight increments the in-flight requests counter.
func (m *Metrics) IncRequestsInFlight() {
	m.requestsInFlight.Inc()
}

// DecRequestsInFlight decrements the in-flight requests counter.
func (m *Metrics) DecRequestsInFlight() {
	m.requestsInFlight.Dec()
}

// RecordMutation counts a mutation attempt.
func (m *Metrics) RecordMutation(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.mutationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAllocation counts an allocated flag id.
func (m *Metrics) RecordAllocation() {
	m.idAllocations.Inc()
}

// RecordBroadcast records the settled outcome of one fan-out.
func (m *Metrics) RecordBroadcast(event string, delivered, gone, failed, pruned int, duration time.Duration) {
	m.broadcastsTotal.WithLabelValues(event).Inc()
	m.broadcastDuration.Observe(duration.Seconds())
	m.pushesTotal.WithLabelValues(OutcomeDelivered).Add(float64(delivered))
	m.pushesTotal.WithLabelValues(OutcomeGone).Add(float64(gone))
	m.pushesTotal.WithLabelValues(OutcomeFailed).Add(float64(failed))
	m.connectionsPruned.Add(float64(pruned))
}

// SocketOpened increments the open socket gauge.
func (m *Metrics) SocketOpened() {
	m.openSockets.Inc()
}

// SocketClosed decrements the open socket gauge.
func (m *Metrics) SocketClosed() {
	m.openSockets.Dec()
}

// SetHealthStatus sets the health status.
func (m *Metrics) SetHealthStatus(healthy bool) {
	if healthy {
		m.healthStatus.Set(1)
	} else {
		m.healthStatus.Set(0)
	}
}

// MetricsServer provides a separate HTTP server for Prometheus metrics.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server.
func NewMetricsServer(port int, path string, logger *zap.Logger) *MetricsServer {
	serveMux := http.NewServeMux()
	serveMux.Handle(path, promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           serveMux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server", zap.String("addr", ms.server.Addr))
	return ms.server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// MetricsMiddleware creates middleware that records HTTP metrics. Paths
// are labelled with the matched route template to keep cardinality low.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncRequestsInFlight()
			defer m.DecRequestsInFlight()

			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := routeTemplate(r)
			m.RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
			m.RecordResponseSize(r.Method, path, rw.size)
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// metricsResponseWriter wraps http.ResponseWriter to capture metrics.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// WriteHeader captures the status code.
func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (rw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
