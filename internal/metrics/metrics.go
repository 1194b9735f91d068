// Package metrics provides Prometheus instrumentation for the Paseo daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paseo_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paseo_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session bridge / WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paseo_ws_connections_active",
		Help: "Number of active client WebSocket connections (direct + relay).",
	})

	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paseo_ws_messages_total",
		Help: "Total number of WebSocket frames exchanged with clients.",
	}, []string{"direction", "type"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paseo_request_duration_seconds",
		Help:    "Session bridge request/response round-trip duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

// Business metrics.
var (
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paseo_active_agents",
		Help: "Number of currently active (non-archived) agents.",
	})

	RunningAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paseo_running_agents",
		Help: "Number of agents whose run loop is currently driving the provider.",
	})

	ActiveTerminals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paseo_active_terminals",
		Help: "Number of active pty-backed terminal sessions.",
	})

	TimelineAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paseo_timeline_appends_total",
		Help: "Total number of canonical timeline items appended.",
	}, []string{"agent_provider"})

	TimelineRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paseo_timeline_rotations_total",
		Help: "Total number of timeline epoch rotations across all agents.",
	})

	PermissionRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paseo_permission_requests_total",
		Help: "Total number of permission requests resolved, by behavior.",
	}, []string{"behavior"})

	NotificationsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paseo_notifications_dispatched_total",
		Help: "Total number of attention notifications dispatched, by suppression outcome.",
	}, []string{"suppressed"})

	ProviderProcessExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paseo_provider_process_exits_total",
		Help: "Total number of provider CLI process exits, by provider and reason.",
	}, []string{"provider", "reason"})
)
