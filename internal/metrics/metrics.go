// Package metrics declares the Prometheus collectors of the realtime service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carhub_realtime_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carhub_realtime_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Socket metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carhub_realtime_active_connections",
			Help: "Currently authenticated WebSocket connections",
		},
	)

	RejectedConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carhub_realtime_rejected_connections_total",
			Help: "WebSocket handshakes rejected by the gatekeeper",
		},
		[]string{"reason"},
	)

	SocketEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carhub_realtime_socket_events_total",
			Help: "Client events handled, by outcome",
		},
		[]string{"event", "outcome"}, // outcome: "ok" or an error code
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carhub_realtime_messages_sent_total",
			Help: "Messages persisted and fanned out",
		},
		[]string{"source"}, // "socket" or "rpc"
	)

	SlowConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carhub_realtime_slow_consumers_total",
			Help: "Connections dropped because their send buffer was full",
		},
	)

	// Push metrics
	PushDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carhub_realtime_push_dispatch_total",
			Help: "Push notification dispatches by outcome",
		},
		[]string{"outcome"}, // "sent", "not_sent", "failed"
	)

	PushRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carhub_realtime_push_retries_total",
			Help: "Retried push gateway chunk submissions",
		},
	)

	PushJobsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carhub_realtime_push_jobs_dropped_total",
			Help: "Push jobs dropped because the dispatch queue was full",
		},
	)

	PushTokensDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carhub_realtime_push_tokens_deactivated_total",
			Help: "Push tokens deactivated after DeviceNotRegistered",
		},
		[]string{"stage"}, // "ticket" or "receipt"
	)

	ReceiptJobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carhub_realtime_receipt_jobs_pending",
			Help: "Receipt reconciliation jobs waiting for their due time",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carhub_realtime_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"endpoint"},
	)
)
