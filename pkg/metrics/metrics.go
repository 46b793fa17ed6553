// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSConnectionsActive tracks open websocket connections per channel kind.
	WSConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active websocket connections",
		},
		[]string{"channel"},
	)

	// FanoutEventsTotal tracks events published through the router.
	FanoutEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_events_total",
			Help: "Events published by the fan-out router",
		},
		[]string{"route"},
	)

	// FanoutDeliveryFailures tracks deliveries dropped for a single subscriber.
	FanoutDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_delivery_failures_total",
			Help: "Deliveries that could not be handed to a subscriber",
		},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"chat_type", "message_type"},
	)

	// ReceiptsTotal tracks receipts created alongside messages.
	ReceiptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "message_receipts_total",
			Help: "Total message receipts created",
		},
	)

	// AssistantCacheEntries tracks materialized assistants.
	AssistantCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assistant_cache_entries",
			Help: "Assistants currently held in memory",
		},
	)

	// AssistantEvictions tracks cache evictions.
	AssistantEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_cache_evictions_total",
			Help: "Assistant cache evictions",
		},
		[]string{"reason"},
	)

	// AssistantBuilds tracks assistant factory runs.
	AssistantBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_builds_total",
			Help: "Assistant builds by outcome",
		},
		[]string{"status"},
	)

	// LLMRequestDuration tracks language/embedding service latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Language service request duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "operation", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// WorkerQueueDepth tracks jobs waiting for a worker.
	WorkerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Jobs queued for the background worker pool",
		},
	)

	// WorkerJobsTotal tracks finished background jobs.
	WorkerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_total",
			Help: "Background jobs by outcome",
		},
		[]string{"job", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMCall records one language service round trip.
func RecordLLMCall(provider, operation, status string, duration float64) {
	LLMRequestDuration.WithLabelValues(provider, operation, status).Observe(duration)
}

// RecordLLMTokens records token usage for a completion.
func RecordLLMTokens(model string, tokensIn, tokensOut int) {
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordMessage records a persisted message and its receipts.
func RecordMessage(chatType, messageType string, receipts int) {
	MessagesTotal.WithLabelValues(chatType, messageType).Inc()
	ReceiptsTotal.Add(float64(receipts))
}

// IncrementWSConnections increments the active connection count for a channel.
func IncrementWSConnections(channel string) {
	WSConnectionsActive.WithLabelValues(channel).Inc()
}

// DecrementWSConnections decrements the active connection count for a channel.
func DecrementWSConnections(channel string) {
	WSConnectionsActive.WithLabelValues(channel).Dec()
}
