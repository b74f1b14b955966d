// Package observability exposes Prometheus metrics for the session daemon.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "Total number of local API requests processed by the daemon.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "Local API request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	pushEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_push_events_total",
			Help: "Total number of server push events applied, by kind.",
		},
		[]string{"kind"},
	)
	transportReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_transport_reconnects_total",
			Help: "Total number of socket reconnections.",
		},
	)
	sendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_send_failures_total",
			Help: "Total number of optimistic sends that failed.",
		},
	)
	callActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_call_active",
			Help: "1 while a call is in the accepted state, 0 otherwise.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		pushEventsTotal,
		transportReconnectsTotal,
		sendFailuresTotal,
		callActive,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncPushEvent(kind string) {
	pushEventsTotal.WithLabelValues(kind).Inc()
}

func IncTransportReconnect() {
	transportReconnectsTotal.Inc()
}

func IncSendFailure() {
	sendFailuresTotal.Inc()
}

func SetCallActive(active bool) {
	if active {
		callActive.Set(1)
	} else {
		callActive.Set(0)
	}
}
