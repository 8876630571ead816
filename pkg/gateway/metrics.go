package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_http_requests_total",
		Help: "HTTP requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	ingestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_ingest_stage_duration_seconds",
		Help:    "Ingest pipeline stage duration in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200},
	}, []string{"stage"})

	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_queries_total",
		Help: "Queries by kind and outcome.",
	}, []string{"kind", "outcome"})
)

// responseWriter captures the status code for metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// metricsMiddleware records request counts and latencies, labelled by
// the chi route pattern rather than the raw path.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
	})
}

// observeIngest records the per-stage durations of a finished ingest.
func observeIngest(parseMillis, chunkMillis, embedMillis, storeMillis int64) {
	ingestDuration.WithLabelValues("parse").Observe(float64(parseMillis) / 1000)
	ingestDuration.WithLabelValues("chunk").Observe(float64(chunkMillis) / 1000)
	ingestDuration.WithLabelValues("embed").Observe(float64(embedMillis) / 1000)
	ingestDuration.WithLabelValues("store").Observe(float64(storeMillis) / 1000)
}
