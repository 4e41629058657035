package monitoring

import (
	"net/http"
	"time"

	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_max",
		Help: "Maximum allowed WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_auth_failures_total",
		Help: "Upgrade requests rejected during authentication",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 180, 600, 1800, 3600},
	}, []string{"reason"})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_rate_limited_messages_total",
		Help: "Total number of rate limited messages",
	})

	routedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_routed_messages_total",
		Help: "Routed messages by kind (chat, group, broadcast) and outcome",
	}, []string{"kind", "outcome"})

	// Fanout metrics
	fanoutPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_fanout_published_total",
		Help: "Frames published to the fanout bus by channel class",
	}, []string{"class"})

	fanoutReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_fanout_received_total",
		Help: "Frames received from the fanout bus by channel class and result",
	}, []string{"class", "result"})

	// Store metrics
	storeMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cs_store_mode",
		Help: "Active shared store mode (1 for the current mode)",
	}, []string{"mode"})

	storeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_store_errors_total",
		Help: "Shared store operation failures by operation",
	}, []string{"op"})

	// Balancer metrics
	assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_assignments_total",
		Help: "Assignment attempts by outcome",
	}, []string{"outcome"})

	onlineAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cs_online_agents",
		Help: "Agents registered on this node",
	})

	// Worker pool metrics
	workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_worker_queue_depth",
		Help: "Current number of tasks waiting in worker pool queue",
	})

	workerQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_worker_queue_capacity",
		Help: "Maximum capacity of worker pool queue",
	})

	workerDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_worker_dropped_tasks_total",
		Help: "Tasks dropped because the worker pool queue was full",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines_active",
		Help: "Current number of goroutines",
	})

	capacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_capacity_rejections_total",
		Help: "Connections rejected by admission control by reason",
	}, []string{"reason"})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connection_rate_limited_total",
		Help: "Connection attempts rejected by the connection rate limiter",
	}, []string{"scope"})

	// Notification ingress
	notificationsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_notifications_consumed_total",
		Help: "Notification records consumed by target kind and result",
	}, []string{"target", "result"})

	// Error tracking
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(ConnectionsFailed)
	prometheus.MustRegister(authFailures)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)
	prometheus.MustRegister(rateLimitedMessages)
	prometheus.MustRegister(routedMessages)

	prometheus.MustRegister(fanoutPublished)
	prometheus.MustRegister(fanoutReceived)

	prometheus.MustRegister(storeMode)
	prometheus.MustRegister(storeErrors)

	prometheus.MustRegister(assignments)
	prometheus.MustRegister(onlineAgents)

	prometheus.MustRegister(workerQueueDepth)
	prometheus.MustRegister(workerQueueCapacity)
	prometheus.MustRegister(workerDropped)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
	prometheus.MustRegister(capacityRejections)
	prometheus.MustRegister(connectionRateLimited)

	prometheus.MustRegister(notificationsConsumed)

	prometheus.MustRegister(errorsTotal)
}

// Disconnect reasons - standardized constants for categorization
const (
	DisconnectReasonReadError       = "read_error"       // Transport read failed
	DisconnectReasonWriteError      = "write_error"      // Transport write failed or timed out
	DisconnectReasonIdleTimeout     = "idle_timeout"     // No inbound frame within the idle window
	DisconnectReasonFrameTooLarge   = "frame_too_large"  // Frame payload above the configured limit
	DisconnectReasonProtocolError   = "protocol_error"   // Malformed WebSocket framing
	DisconnectReasonServerShutdown  = "server_shutdown"  // Graceful shutdown
	DisconnectReasonClientInitiated = "client_initiated" // Normal close from client
	DisconnectReasonSuperseded      = "superseded"       // Same user connected again
)

// Who initiated the disconnect
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Error types and severities for RecordError
const (
	ErrorTypePanic         = "panic"
	ErrorTypeStore         = "store"
	ErrorTypeFanout        = "fanout"
	ErrorTypeSerialization = "serialization"
	ErrorTypeConversation  = "conversation"

	ErrorSeverityWarning  = "warning"
	ErrorSeverityCritical = "critical"
)

// Routed message outcomes
const (
	OutcomeDelivered = "delivered"
	OutcomeOffline   = "offline"
	OutcomeWaiting   = "waiting"
)

// RecordConnectionOpened updates connection counters for a new session
func RecordConnectionOpened(current int64) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(current))
}

// RecordDisconnectWithStats tracks a disconnect and updates both Prometheus and Stats
func RecordDisconnectWithStats(stats *types.Stats, current int64, reason, initiatedBy string, duration time.Duration) {
	connectionsActive.Set(float64(current))
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())

	stats.DisconnectsMu.Lock()
	stats.DisconnectsByReason[reason]++
	stats.DisconnectsMu.Unlock()
}

// SetMaxConnections publishes the configured connection cap
func SetMaxConnections(n int) {
	connectionsMax.Set(float64(n))
}

// RecordAuthFailure counts a rejected upgrade
func RecordAuthFailure(reason string) {
	authFailures.WithLabelValues(reason).Inc()
}

func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

func IncrementRateLimitedMessages() {
	rateLimitedMessages.Inc()
}

// RecordRouted counts a routed message by kind and outcome
func RecordRouted(kind, outcome string) {
	routedMessages.WithLabelValues(kind, outcome).Inc()
}

func RecordFanoutPublished(class string) {
	fanoutPublished.WithLabelValues(class).Inc()
}

func RecordFanoutReceived(class, result string) {
	fanoutReceived.WithLabelValues(class, result).Inc()
}

// SetStoreMode flips the store mode gauge so exactly one mode reads 1
func SetStoreMode(active string, all ...string) {
	for _, m := range all {
		storeMode.WithLabelValues(m).Set(0)
	}
	storeMode.WithLabelValues(active).Set(1)
}

func RecordStoreError(op string) {
	storeErrors.WithLabelValues(op).Inc()
}

func RecordAssignment(outcome string) {
	assignments.WithLabelValues(outcome).Inc()
}

func SetOnlineAgents(n int) {
	onlineAgents.Set(float64(n))
}

// UpdateWorkerQueueMetrics publishes worker pool queue depth and capacity
func UpdateWorkerQueueMetrics(depth, capacity int) {
	workerQueueDepth.Set(float64(depth))
	workerQueueCapacity.Set(float64(capacity))
}

func IncrementWorkerDropped() {
	workerDropped.Inc()
}

// UpdateSystemMetrics publishes sampled process resource usage
func UpdateSystemMetrics(cpuPercent float64, memoryBytes int64, goroutines int) {
	cpuUsagePercent.Set(cpuPercent)
	memoryUsageBytes.Set(float64(memoryBytes))
	goroutinesActive.Set(float64(goroutines))
}

func IncrementCapacityRejection(reason string) {
	capacityRejections.WithLabelValues(reason).Inc()
}

func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

func RecordNotification(target, result string) {
	notificationsConsumed.WithLabelValues(target, result).Inc()
}

// RecordError tracks an error by type and severity
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// HandleMetrics serves Prometheus metrics at /metrics endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
