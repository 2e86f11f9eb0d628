// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikanto",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replikanto",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActionsTotal counts dispatched envelope actions by name and transport.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikanto",
			Name:      "actions_total",
			Help:      "Total envelope actions handled by action and transport.",
		},
		[]string{"action", "transport"},
	)

	// ActiveWebSocketClients tracks the number of live duplex connections.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "replikanto",
			Name:      "active_websocket_clients",
			Help:      "Number of connected websocket clients.",
		},
	)

	// DirectoryEventsTotal counts connect/disconnect events applied.
	DirectoryEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikanto",
			Name:      "directory_events_total",
			Help:      "Connect and disconnect events applied to the directory.",
		},
		[]string{"kind", "result"},
	)

	// DeliveriesTotal counts delivery outcomes by mode and status.
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikanto",
			Name:      "deliveries_total",
			Help:      "Delivery outcomes by mode (direct, broadcast) and status.",
		},
		[]string{"mode", "status"},
	)

	// DeliveryRetries counts resend attempts after a failed send.
	DeliveryRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replikanto",
		Name:      "delivery_retries_total",
		Help:      "Delivery resend attempts.",
	})

	// LostPayloads counts payloads queued during a reconnection window.
	LostPayloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikanto",
			Name:      "lost_payloads_total",
			Help:      "Payloads queued on an open transition, and replayed on reconnect.",
		},
		[]string{"stage"},
	)

	// FanoutChunks counts broadcast chunks submitted to the worker pool.
	FanoutChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replikanto",
		Name:      "fanout_chunks_total",
		Help:      "Broadcast chunks submitted to the worker pool.",
	})

	// WorkQueueDepth tracks queued work units awaiting a worker.
	WorkQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replikanto",
		Name:      "work_queue_depth",
		Help:      "Work units waiting for a fan-out worker.",
	})

	// NotificationsTotal counts operator notifications by sink and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikanto",
			Name:      "notifications_total",
			Help:      "Operator notifications by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// IngestEventsTotal counts position change events consumed.
	IngestEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikanto",
			Name:      "ingest_events_total",
			Help:      "Position change events by result.",
		},
		[]string{"result"},
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replikanto",
		Name:      "db_open_connections",
		Help:      "Number of open database connections.",
	})

	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replikanto",
		Name:      "db_in_use_connections",
		Help:      "Number of database connections currently in use.",
	})

	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replikanto",
		Name:      "db_wait_count_total",
		Help:      "Total number of connections waited for.",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replikanto",
		Name:      "goroutines",
		Help:      "Number of running goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActionsTotal,
		ActiveWebSocketClients,
		DirectoryEventsTotal,
		DeliveriesTotal,
		DeliveryRetries,
		LostPayloads,
		FanoutChunks,
		WorkQueueDepth,
		NotificationsTotal,
		IngestEventsTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Route patterns keep /credits/:replikanto_id to one series.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
