package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signaling service. All record
// methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Presence Metrics
	presenceOnlineUsers prometheus.Gauge
	presenceDevices     prometheus.Gauge

	// Routing Metrics
	routeDeliveriesTotal *prometheus.CounterVec

	// Call Metrics
	callsTotal              *prometheus.CounterVec
	callsActive             prometheus.Gauge
	callsDuration           prometheus.Histogram
	callTransitionsRejected *prometheus.CounterVec
	callConflictsTotal      prometheus.Counter

	// Group Call Metrics
	groupCallsTotal       *prometheus.CounterVec
	groupCallParticipants prometheus.Histogram
	groupCallCapacityHits prometheus.Counter
	groupCallScreenShares prometheus.Counter

	// Quality Metrics
	qualitySamplesTotal         prometheus.Counter
	qualityRecommendationsTotal *prometheus.CounterVec

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec
	pushQueueDropped        prometheus.Counter

	// Sweeper Metrics
	sweeperExpiredTotal *prometheus.CounterVec

	// Cassandra Metrics
	cassandraQueryDuration *prometheus.HistogramVec
	cassandraErrorsTotal   *prometheus.CounterVec
}

// NewMetrics creates all metrics on a dedicated registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Current number of HTTP requests being processed",
			ConstLabels: labels,
		}),

		websocketConnections: f.NewGauge(prometheus.GaugeOpts{
			Name:        "websocket_connections",
			Help:        "Current number of open signaling connections",
			ConstLabels: labels,
		}),
		websocketMessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of signaling errors sent to clients",
				ConstLabels: labels,
			},
			[]string{"code"},
		),

		presenceOnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name:        "presence_online_users",
			Help:        "Users with at least one live connection on this node",
			ConstLabels: labels,
		}),
		presenceDevices: f.NewGauge(prometheus.GaugeOpts{
			Name:        "presence_devices",
			Help:        "Live device connections on this node",
			ConstLabels: labels,
		}),

		routeDeliveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_route_deliveries_total",
				Help:        "Routed messages by delivery path (local, relay, push, dropped)",
				ConstLabels: labels,
			},
			[]string{"type", "path"},
		),

		callsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Call state transitions by resulting status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Name:        "calls_active",
			Help:        "Calls currently ringing or ongoing",
			ConstLabels: labels,
		}),
		callsDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "call_duration_seconds",
			Help:        "Duration of completed calls",
			ConstLabels: labels,
			Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		callTransitionsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_rejected_total",
				Help:        "Transitions refused by the call state machine",
				ConstLabels: labels,
			},
			[]string{"from", "to"},
		),
		callConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "call_version_conflicts_total",
			Help:        "Optimistic concurrency conflicts on call updates",
			ConstLabels: labels,
		}),

		groupCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "group_calls_total",
				Help:        "Group call lifecycle events by status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		groupCallParticipants: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "group_call_participants",
			Help:        "Participants that joined a group call before it ended",
			ConstLabels: labels,
			Buckets:     []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		groupCallCapacityHits: f.NewCounter(prometheus.CounterOpts{
			Name:        "group_call_capacity_rejections_total",
			Help:        "Join attempts refused because the call was full",
			ConstLabels: labels,
		}),
		groupCallScreenShares: f.NewCounter(prometheus.CounterOpts{
			Name:        "group_call_screen_shares_total",
			Help:        "Screen share sessions started",
			ConstLabels: labels,
		}),

		qualitySamplesTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "quality_samples_total",
			Help:        "Connection quality samples recorded",
			ConstLabels: labels,
		}),
		qualityRecommendationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "quality_recommendations_total",
				Help:        "Adaptation recommendations issued",
				ConstLabels: labels,
			},
			[]string{"action"},
		),

		pushNotificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Push notifications delivered",
				ConstLabels: labels,
			},
			[]string{"type", "platform"},
		),
		pushNotificationsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Push notifications that failed after retries",
				ConstLabels: labels,
			},
			[]string{"type", "platform", "reason"},
		),
		pushQueueDropped: f.NewCounter(prometheus.CounterOpts{
			Name:        "push_queue_dropped_total",
			Help:        "Push jobs dropped because the queue was full",
			ConstLabels: labels,
		}),

		sweeperExpiredTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sweeper_expired_total",
				Help:        "Calls expired by the background sweeper",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),

		cassandraQueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "cassandra_query_duration_seconds",
				Help:        "Cassandra query latency in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"operation", "table"},
		),
		cassandraErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "cassandra_query_error_total",
				Help:        "Total number of Cassandra query errors",
				ConstLabels: labels,
			},
			[]string{"operation", "table"},
		),
	}
}

// Gatherer merges the service registry with the process-wide default one,
// which carries runtime collectors and dependency breaker metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return prometheus.Gatherers{m.registry, prometheus.DefaultGatherer}
}

// HTTP

func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m != nil {
		m.httpRequestsInFlight.Inc()
	}
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m != nil {
		m.httpRequestsInFlight.Dec()
	}
}

// WebSocket

func (m *Metrics) SetWebSocketConnections(count int) {
	if m != nil {
		m.websocketConnections.Set(float64(count))
	}
}

func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m != nil {
		m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
	}
}

func (m *Metrics) RecordWebSocketError(code string) {
	if m != nil {
		m.websocketErrorsTotal.WithLabelValues(code).Inc()
	}
}

// Presence

func (m *Metrics) SetPresence(users, devices int) {
	if m == nil {
		return
	}
	m.presenceOnlineUsers.Set(float64(users))
	m.presenceDevices.Set(float64(devices))
}

// RecordDelivery counts a routed message by the path that delivered it
func (m *Metrics) RecordDelivery(msgType, path string) {
	if m != nil {
		m.routeDeliveriesTotal.WithLabelValues(msgType, path).Inc()
	}
}

// Calls

func (m *Metrics) RecordCall(status string) {
	if m != nil {
		m.callsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) AddActiveCalls(delta int) {
	if m != nil {
		m.callsActive.Add(float64(delta))
	}
}

func (m *Metrics) RecordCallDuration(seconds int) {
	if m != nil {
		m.callsDuration.Observe(float64(seconds))
	}
}

func (m *Metrics) RecordRejectedTransition(from, to string) {
	if m != nil {
		m.callTransitionsRejected.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) RecordCallConflict() {
	if m != nil {
		m.callConflictsTotal.Inc()
	}
}

// Group calls

func (m *Metrics) RecordGroupCall(status string) {
	if m != nil {
		m.groupCallsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) RecordGroupCallParticipants(count int) {
	if m != nil {
		m.groupCallParticipants.Observe(float64(count))
	}
}

func (m *Metrics) RecordCapacityRejection() {
	if m != nil {
		m.groupCallCapacityHits.Inc()
	}
}

func (m *Metrics) RecordScreenShare() {
	if m != nil {
		m.groupCallScreenShares.Inc()
	}
}

// Quality

func (m *Metrics) RecordQualitySample() {
	if m != nil {
		m.qualitySamplesTotal.Inc()
	}
}

func (m *Metrics) RecordRecommendation(action string) {
	if m != nil {
		m.qualityRecommendationsTotal.WithLabelValues(action).Inc()
	}
}

// Push

func (m *Metrics) RecordPushNotification(notifType, platform string) {
	if m != nil {
		m.pushNotificationsTotal.WithLabelValues(notifType, platform).Inc()
	}
}

func (m *Metrics) RecordPushNotificationFailure(notifType, platform, reason string) {
	if m != nil {
		m.pushNotificationsFailed.WithLabelValues(notifType, platform, reason).Inc()
	}
}

func (m *Metrics) RecordPushDropped() {
	if m != nil {
		m.pushQueueDropped.Inc()
	}
}

// Sweeper

func (m *Metrics) RecordExpired(kind string, count int) {
	if m != nil && count > 0 {
		m.sweeperExpiredTotal.WithLabelValues(kind).Add(float64(count))
	}
}

// Cassandra

func (m *Metrics) RecordCassandraQuery(operation, table string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.cassandraQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.cassandraErrorsTotal.WithLabelValues(operation, table).Inc()
	}
}
