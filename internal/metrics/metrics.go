package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backchannel_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Thread metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_messages_appended_total",
			Help: "Total messages appended to threads",
		},
		[]string{"from"}, // "visitor" or "operator"
	)

	ThreadsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backchannel_threads_archived_total",
			Help: "Total thread logs archived after exceeding the size threshold",
		},
	)

	CorruptLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backchannel_thread_corrupt_lines_total",
			Help: "Total malformed thread lines skipped while reading",
		},
	)

	// Connection metrics
	LiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backchannel_live_connections",
			Help: "Live push connections",
		},
		[]string{"role"}, // "visitor" or "admin"
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_events_delivered_total",
			Help: "Events written to push connections",
		},
		[]string{"event"},
	)

	ConnectionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_connections_evicted_total",
			Help: "Push connections removed by write failure or idle sweep",
		},
		[]string{"cause"}, // "write" or "idle"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"reason"},
	)

	BlockedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backchannel_blocked_requests_total",
			Help: "Total requests rejected because the visitor is blocked",
		},
	)

	// Downstream metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_llm_requests_total",
			Help: "Total LLM calls by outcome",
		},
		[]string{"outcome"},
	)

	LLMLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backchannel_llm_latency_seconds",
			Help:    "LLM call latency",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 10},
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backchannel_notifications_total",
			Help: "Operator notifications by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
)
