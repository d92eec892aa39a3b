package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_ws_connections",
		Help: "Current number of active websocket connections by role",
	}, []string{"role"})
	WsFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ws_frames_total",
		Help: "Inbound websocket frames by type and outcome",
	}, []string{"type", "outcome"})
	WsMailboxOverflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ws_mailbox_overflow_total",
		Help: "Sockets closed because their send mailbox was full",
	})
	ChatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_chats_total",
		Help: "Persisted chat rows by sender role",
	}, []string{"role"})
	BotRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_bot_request_duration_seconds",
		Help:    "Bot adapter call duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})
	BusPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_bus_published_total",
		Help: "Events published to the pub/sub bus",
	})
	ArchiveDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_archive_dropped_total",
		Help: "Chat rows not handed to the archive producer",
	})
	HttpRateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "HTTP requests rejected by the rate limiter",
	}, []string{"path"})
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
	prometheus.MustRegister(WsConnections, WsFramesTotal, WsMailboxOverflowTotal, ChatsTotal,
		BotRequestDuration, BusPublishedTotal, ArchiveDroppedTotal, HttpRateLimitedTotal, HttpRequestsTotal, HttpRequestDuration)
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
