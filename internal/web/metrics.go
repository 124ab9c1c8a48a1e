package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by method and status.",
	}, []string{"method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shadow",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow",
		Subsystem: "stream",
		Name:      "events_emitted_total",
		Help:      "Stream events fanned out to websocket clients, by kind.",
	}, []string{"kind"})

	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shadow",
		Subsystem: "stream",
		Name:      "websocket_clients",
		Help:      "Currently connected websocket clients.",
	})

	webhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "GitHub webhook deliveries, by disposition.",
	}, []string{"disposition"})
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware records request counts and latency.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			httpRequests.WithLabelValues(r.Method, strconv.Itoa(wrapped.status)).Inc()
			httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		})
	}
}
