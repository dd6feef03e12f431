package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulserelay_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// RedisErrors is incremented by the Redis client hook for every raw
	// command that returns a non-redis.Nil error.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulserelay_redis_command_errors_total",
		Help: "Total number of Redis command errors observed by the client hook",
	}, []string{"command"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulserelay_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections
	// (producers and consumers combined).
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulserelay_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketConnectionsByRole is the gauge of connections split by role.
	WebSocketConnectionsByRole = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulserelay_websocket_connections_by_role",
		Help: "Number of active WebSocket connections by client role",
	}, []string{"role"})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulserelay_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulserelay_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// SessionsActive is the gauge of producer sessions currently active.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulserelay_sessions_active",
		Help: "Number of producer sessions currently in the active state",
	})

	// WatchdogTimeoutsTotal counts heartbeat watchdog timeouts fired.
	WatchdogTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulserelay_watchdog_timeouts_total",
		Help: "Total number of heartbeat watchdog timeouts fired",
	})

	// RateLimitRejectionsTotal counts rate-limit rejections by message class.
	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulserelay_rate_limit_rejections_total",
		Help: "Total number of messages rejected by the rate limiter",
	}, []string{"class"})

	// AlertLoopTicksTotal counts repeating life-or-death alert notifications sent.
	AlertLoopTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulserelay_alert_loop_ticks_total",
		Help: "Total number of repeating alert-loop notifications sent",
	})

	// PushOutcomesTotal counts push fan-out attempts by priority and outcome.
	PushOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulserelay_push_outcomes_total",
		Help: "Total number of per-device push delivery attempts by priority and outcome",
	}, []string{"priority", "outcome"})
)

// DatabaseMetrics wraps DB access for recording query latency.
type DatabaseMetrics struct {
	db *gorm.DB
}

// NewDatabaseMetrics returns a new DatabaseMetrics instance.
func NewDatabaseMetrics(db *gorm.DB) *DatabaseMetrics {
	return &DatabaseMetrics{db: db}
}

// ObserveQuery records the latency of a database query.
func (m *DatabaseMetrics) ObserveQuery(operation, table string, start time.Time) {
	latency := time.Since(start).Seconds()
	DatabaseQueryLatency.WithLabelValues(operation, table).Observe(latency)
}

// TrackQuery returns a function that records query latency when called (e.g. defer).
func (m *DatabaseMetrics) TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		m.ObserveQuery(operation, table, start)
	}
}

// RouterMetrics records connection and event counters for the WS router.
type RouterMetrics struct{}

// NewRouterMetrics returns a new RouterMetrics instance.
func NewRouterMetrics() *RouterMetrics {
	return &RouterMetrics{}
}

// ConnectionOpened records a new connection for the given role.
func (*RouterMetrics) ConnectionOpened(role string) {
	WebSocketConnectionsTotal.Inc()
	WebSocketConnectionsByRole.WithLabelValues(role).Inc()
}

// ConnectionClosed records a closed connection for the given role.
func (*RouterMetrics) ConnectionClosed(role string) {
	WebSocketConnectionsTotal.Dec()
	WebSocketConnectionsByRole.WithLabelValues(role).Dec()
}

// RecordEvent increments the event counter for the given type.
func (*RouterMetrics) RecordEvent(eventType string) {
	WebSocketEventsTotal.WithLabelValues(eventType).Inc()
}

// TracingContextKey is the type for context keys used in tracing.
type TracingContextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey TracingContextKey = "trace_id"
	// SpanIDKey is the context key for span ID.
	SpanIDKey TracingContextKey = "span_id"
	// CorrelationIDKey is the context key for correlation ID.
	CorrelationIDKey TracingContextKey = "correlation_id"
)

// ExtractTraceID returns the trace ID from the context if set.
func ExtractTraceID(ctx context.Context) string {
	if id := ctx.Value(TraceIDKey); id != nil {
		return id.(string)
	}
	return ""
}

// NewSpanContext returns a context with trace and span ID values set.
func NewSpanContext(traceID, spanID string) context.Context {
	ctx := context.Background()
	ctx = context.WithValue(ctx, TraceIDKey, traceID)
	ctx = context.WithValue(ctx, SpanIDKey, spanID)
	return ctx
}

// GenerateTraceID returns a new trace ID string derived from the current clock.
func GenerateTraceID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}
