// Package metrics exposes Prometheus instrumentation for the validation
// pipeline and the HTTP layer.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunnerCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validation_runner_cycles_total",
		Help: "Number of completed runner poll cycles.",
	})

	RunnerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "validation_runner_cycle_duration_seconds",
		Help:    "Duration of one runner poll cycle.",
		Buckets: prometheus.DefBuckets,
	})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_jobs_processed_total",
		Help: "Jobs that reached a terminal status, by outcome.",
	}, []string{"outcome"})

	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "validation_jobs_active",
		Help: "Jobs currently in an actionable (non-terminal, started) status.",
	})

	FilesValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_files_total",
		Help: "Files that reached a terminal status, by status.",
	}, []string{"status"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request counts and latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
