package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Command Parsing Metrics
	commandsParsedTotal  *prometheus.CounterVec
	messagesSkippedTotal *prometheus.CounterVec

	// Dispatch Metrics
	dispatchesTotal      *prometheus.CounterVec
	dispatchDuration     *prometheus.HistogramVec
	reconciliationsTotal *prometheus.CounterVec

	// Poll Metrics
	pollTicksTotal   *prometheus.CounterVec
	pollTickDuration *prometheus.HistogramVec

	// Request Queue Metrics
	queueDepth        *prometheus.GaugeVec
	queueRetriesTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		commandsParsedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commands_parsed_total",
				Help: "Total number of command parse attempts by action and status",
			},
			[]string{"platform", "action", "status"},
		),
		messagesSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_skipped_total",
				Help: "Total number of inbound messages skipped",
			},
			[]string{"platform", "feed", "reason"},
		),

		dispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatches_total",
				Help: "Total number of intent dispatches by action, chain, and status",
			},
			[]string{"action", "chain", "status"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_duration_seconds",
				Help:    "Duration of intent dispatches in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"action", "chain"},
		),
		reconciliationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliations_total",
				Help: "Total number of post-failure signature reconciliations by outcome",
			},
			[]string{"outcome"},
		),

		pollTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poll_ticks_total",
				Help: "Total number of poll ticks by feed and status",
			},
			[]string{"feed", "status"},
		),
		pollTickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poll_tick_duration_seconds",
				Help:    "Duration of poll ticks in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"feed"},
		),

		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "request_queue_depth",
				Help: "Number of tasks waiting in the request queue",
			},
			[]string{"queue"},
		),
		queueRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "request_queue_retries_total",
				Help: "Total number of request queue task retries",
			},
			[]string{"queue"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Command parsing metric helpers

// RecordCommandParsed records a command parse attempt.
func (m *Metrics) RecordCommandParsed(platform, action, status string) {
	m.commandsParsedTotal.WithLabelValues(platform, action, status).Inc()
}

// RecordMessageSkipped records an inbound message that was not processed.
func (m *Metrics) RecordMessageSkipped(platform, feed, reason string) {
	m.messagesSkippedTotal.WithLabelValues(platform, feed, reason).Inc()
}

// Dispatch metric helpers

// RecordDispatch records a completed dispatch with duration.
func (m *Metrics) RecordDispatch(action, chain, status string, duration float64) {
	m.dispatchesTotal.WithLabelValues(action, chain, status).Inc()
	m.dispatchDuration.WithLabelValues(action, chain).Observe(duration)
}

// RecordReconciliation records the outcome of a signature reconciliation.
func (m *Metrics) RecordReconciliation(outcome string) {
	m.reconciliationsTotal.WithLabelValues(outcome).Inc()
}

// Poll metric helpers

// RecordPollTick records a poll tick with duration.
func (m *Metrics) RecordPollTick(feed, status string, duration float64) {
	m.pollTicksTotal.WithLabelValues(feed, status).Inc()
	m.pollTickDuration.WithLabelValues(feed).Observe(duration)
}

// Request queue metric helpers

// SetQueueDepth records the current request queue depth.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordQueueRetry records a request queue task retry.
func (m *Metrics) RecordQueueRetry(queue string) {
	m.queueRetriesTotal.WithLabelValues(queue).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
