// Package metrics exposes Prometheus metrics for the notebookhub server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notebookhub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notebookhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Object storage
	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notebookhub_s3_operations_total",
			Help: "Total number of object storage operations",
		},
		[]string{"operation", "status"},
	)

	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notebookhub_s3_operation_duration_seconds",
			Help:    "Object storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Transfers
	transfersStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notebookhub_transfers_started_total",
			Help: "Transfers started, by kind",
		},
		[]string{"kind"},
	)

	transfersFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notebookhub_transfers_finished_total",
			Help: "Transfers that reached a terminal status",
		},
		[]string{"kind", "status"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notebookhub_transfer_bytes_total",
			Help: "Bytes moved by transfers",
		},
		[]string{"kind"},
	)

	transfersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notebookhub_transfers_active",
			Help: "Transfers currently queued or running",
		},
	)

	tasksEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notebookhub_tasks_evicted_total",
			Help: "Terminal transfer tasks removed from the registry",
		},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordS3Operation records one object storage call.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

func TransferStarted(kind string) {
	transfersStarted.WithLabelValues(kind).Inc()
	transfersActive.Inc()
}

func TransferFinished(kind, status string) {
	transfersFinished.WithLabelValues(kind, status).Inc()
	transfersActive.Dec()
}

func AddTransferBytes(kind string, n int64) {
	if n > 0 {
		transferBytes.WithLabelValues(kind).Add(float64(n))
	}
}

func TasksEvicted(n int) {
	if n > 0 {
		tasksEvicted.Add(float64(n))
	}
}

// Middleware records request metrics labelled with the chi route pattern,
// so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}
