package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payhook_webhooks_received_total",
			Help: "Total number of inbound webhook requests by result.",
		},
		[]string{"result"}, // accepted, duplicate, unauthorized, invalid, expired, too_large, overloaded, misconfigured
	)

	QueuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payhook_queue_pending",
			Help: "Tasks waiting to run, including tasks waiting for a retry.",
		},
	)

	QueueActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payhook_queue_active",
			Help: "Tasks currently executing a handler.",
		},
	)

	QueueEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payhook_queue_enqueued_total",
			Help: "Total number of tasks admitted to the queue.",
		},
	)

	QueueTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payhook_queue_tasks_total",
			Help: "Total number of tasks that left the queue by outcome.",
		},
		[]string{"outcome"}, // finished, exhausted, rejected, dropped
	)

	QueueRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payhook_queue_retries_total",
			Help: "Total number of scheduled task retries.",
		},
	)

	TaskAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payhook_task_attempt_duration_seconds",
			Help:    "Duration of a single handler attempt.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // ok, error, timeout
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payhook_transitions_total",
			Help: "Transaction status transitions by target status and result.",
		},
		[]string{"to", "result"}, // result: applied (including no-op repeats), invalid, not_found, error
	)

	DedupeHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payhook_dedupe_hits_total",
			Help: "Webhook events dropped because their id was already claimed.",
		},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payhook_dlq_total",
			Help: "Exhausted tasks handed to the dead letter sink by publish result.",
		},
		[]string{"result"}, // published, error
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		WebhooksReceivedTotal,
		QueuePending,
		QueueActive,
		QueueEnqueuedTotal,
		QueueTasksTotal,
		QueueRetriesTotal,
		TaskAttemptDuration,
		TransitionsTotal,
		DedupeHitsTotal,
		DLQTotal,
	)
}

func RecordWebhook(result string) {
	WebhooksReceivedTotal.WithLabelValues(result).Inc()
}

// UpdateQueueDepth mirrors a queue snapshot into the gauges.
func UpdateQueueDepth(pending, active int) {
	QueuePending.Set(float64(pending))
	QueueActive.Set(float64(active))
}

func RecordEnqueued() {
	QueueEnqueuedTotal.Inc()
}

func RecordTaskOutcome(outcome string) {
	QueueTasksTotal.WithLabelValues(outcome).Inc()
}

func RecordRetry() {
	QueueRetriesTotal.Inc()
}

func ObserveAttempt(result string, d time.Duration) {
	TaskAttemptDuration.WithLabelValues(result).Observe(d.Seconds())
}

func RecordTransition(to, result string) {
	TransitionsTotal.WithLabelValues(to, result).Inc()
}

func RecordDuplicate() {
	DedupeHitsTotal.Inc()
}

func RecordDLQ(result string) {
	DLQTotal.WithLabelValues(result).Inc()
}
