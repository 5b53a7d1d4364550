// Package metrics registers the Prometheus collectors shared by the
// pipeline processes. Collectors are package-level so every component can
// record without plumbing a registry around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OutboxEnqueued counts rows the scheduler wrote to the outbox.
	OutboxEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequence_outbox_enqueued_total",
		Help: "Outbox rows enqueued by the scheduler.",
	})

	// OutboxSkipped counts leads skipped because their idempotency key
	// already existed.
	OutboxSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequence_outbox_skipped_total",
		Help: "Eligible leads skipped due to an existing idempotency key.",
	})

	// OutboxPublished counts claimed rows the pump delivered to the broker.
	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequence_outbox_published_total",
		Help: "Outbox rows published to the broker.",
	})

	// OutboxReverted counts claimed rows returned to unprocessed after a
	// publish failure.
	OutboxReverted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequence_outbox_reverted_total",
		Help: "Outbox rows reverted to unprocessed after a failed publish.",
	})

	// MessagesProcessed counts worker message handling outcomes by result.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sequence_messages_processed_total",
		Help: "Broker messages handled by the worker, by outcome.",
	}, []string{"outcome"})

	// MessagesRetried counts messages republished with a bumped retry count.
	MessagesRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequence_messages_retried_total",
		Help: "Messages republished for another delivery attempt.",
	})

	// MessagesDeadLettered counts messages rejected to the DLQ.
	MessagesDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequence_messages_dead_lettered_total",
		Help: "Messages rejected to the dead-letter queue.",
	})

	// EmailsSent counts provider sends by provider name.
	EmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sequence_emails_sent_total",
		Help: "Emails accepted by the delivery provider.",
	}, []string{"provider"})

	// Errors counts classified errors by code.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sequence_errors_total",
		Help: "Classified errors by error code.",
	}, []string{"code"})

	// TickDuration observes how long a scheduler tick or pump poll takes.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sequence_tick_duration_seconds",
		Help:    "Duration of one pipeline iteration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"process"})
)
