package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockpulse_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// Ingest metrics
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_ingest_events_total",
			Help: "Total number of events received",
		},
		[]string{"source", "status"}, // status: accepted, rejected, duplicate
	)

	IngestValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_ingest_validation_errors_total",
			Help: "Total number of event validation errors",
		},
		[]string{"error_type"},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpulse_worker_queue_size",
			Help: "Current size of the worker queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpulse_worker_queue_capacity",
			Help: "Capacity of the worker queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockpulse_worker_processed_total",
			Help: "Total number of events processed by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockpulse_worker_failed_total",
			Help: "Total number of events that failed with an infrastructure error",
		},
	)

	// Engine metrics
	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stockpulse_event_processing_duration_seconds",
			Help:    "Time from rule lookup to the last alert side effect",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	RuleOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_rule_outcomes_total",
			Help: "Event outcomes by result",
		},
		[]string{"outcome"}, // matched, no_matching_rule, conditions_not_met, rejected
	)

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_actions_total",
			Help: "Executed actions by type and status",
		},
		[]string{"type", "status"},
	)

	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_alert_transitions_total",
			Help: "Alert lifecycle transitions by target status",
		},
		[]string{"status"},
	)

	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_escalations_total",
			Help: "Escalation timer firings by result",
		},
		[]string{"result"}, // escalated, renotified, skipped, failed
	)

	EscalationTimersPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpulse_escalation_timers_pending",
			Help: "Armed escalation timers",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_notifications_total",
			Help: "Notification channel calls by status",
		},
		[]string{"status"},
	)

	// Kafka metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stockpulse_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockpulse_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_kafka_consumed_total",
			Help: "Messages read from the events topic",
		},
		[]string{"status"}, // enqueued, invalid
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
