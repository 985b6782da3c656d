package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "storypad_relay_connections",
		Help: "Current number of live relay connections",
	})
	RelayRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "storypad_relay_rooms",
		Help: "Current number of story rooms with at least one connection",
	})
	RelayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storypad_relay_events_total",
		Help: "Total number of inbound relay events by event name",
	}, []string{"event"})
	RelayDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storypad_relay_dropped_total",
		Help: "Relay events dropped, by reason",
	}, []string{"reason"})
	RelayEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storypad_relay_evictions_total",
		Help: "Connections evicted because their send buffer was full",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(RelayConnections, RelayRooms, RelayEventsTotal, RelayDroppedTotal, RelayEvictionsTotal, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
