package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP surface
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aistudio2api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"server", "method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aistudio2api_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"server", "method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aistudio2api_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Bridge
	BridgeConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aistudio2api_bridge_connection_state",
			Help: "Worker bridge state: 0=absent 1=connected 2=grace 3=lost",
		},
	)

	BridgePendingQueues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aistudio2api_bridge_pending_queues",
			Help: "Reply queues currently registered with the bridge",
		},
	)

	BridgeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aistudio2api_bridge_events_total",
			Help: "Inbound bridge events by type and routing result",
		},
		[]string{"event_type", "result"},
	)

	BridgeConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aistudio2api_bridge_connections_total",
			Help: "Worker connection transitions",
		},
		[]string{"transition"},
	)

	// Dispatch
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aistudio2api_dispatch_total",
			Help: "Proxied requests by streaming mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aistudio2api_dispatch_duration_seconds",
			Help:    "Time from dispatch to the end of the response",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aistudio2api_upstream_errors_total",
			Help: "Errors reported by the worker, after status correction",
		},
		[]string{"kind"},
	)

	UpstreamRetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aistudio2api_upstream_retry_attempts_total",
			Help: "Retries issued after a worker error",
		},
	)

	CancelsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aistudio2api_cancels_sent_total",
			Help: "Cancel events sent after a client went away",
		},
	)

	KeepAliveFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aistudio2api_keepalive_frames_total",
			Help: "Keep-alive frames written in buffered emulation mode",
		},
	)

	// Credentials
	CredentialRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aistudio2api_credential_rotations_total",
			Help: "Credential rotations by reason and result",
		},
		[]string{"reason", "result"},
	)

	CredentialFailureCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aistudio2api_credential_consecutive_failures",
			Help: "Consecutive failures on the active credential",
		},
	)

	CircuitOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aistudio2api_circuit_open",
			Help: "1 when automatic rotation is suspended after a full failed cycle",
		},
	)

	ActiveCredential = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aistudio2api_active_credential_index",
			Help: "Index of the credential the worker currently runs with",
		},
	)

	AvailableCredentials = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aistudio2api_available_credentials",
			Help: "Available credentials by origin",
		},
		[]string{"origin"},
	)

	// Rate limiting
	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aistudio2api_ratelimit_keys",
			Help: "Number of active per-key rate limiters",
		},
	)

	RateLimitSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aistudio2api_ratelimit_sweeps_total",
			Help: "Total sweeps of the limiter TTL cache",
		},
	)
)
