package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimrelay_tasks_submitted_total",
			Help: "Total number of processing tasks accepted by the front door.",
		},
		[]string{"mode"},
	)

	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimrelay_tasks_processed_total",
			Help: "Total number of processing tasks executed by result.",
		},
		[]string{"result"}, // success, error, invalid
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimrelay_delivery_attempts_total",
			Help: "Total number of webhook delivery attempts by outcome.",
		},
		[]string{"outcome"}, // success, retryable, rejected, terminal, circuit_open
	)

	// enqueue to confirmed delivery, retry delays included
	DeliveryLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claimrelay_delivery_latency_seconds",
			Help:    "Time from a delivery being enqueued to the receiver acknowledging it.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	DeliveryAttemptDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claimrelay_delivery_attempt_duration_seconds",
			Help:    "Duration of individual outbound webhook POSTs.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimrelay_retries_total",
			Help: "Total number of scheduled delivery retries by reason.",
		},
		[]string{"reason"}, // http_5xx, http_4xx, timeout, network, circuit_open
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimrelay_dead_letters_total",
			Help: "Total number of deliveries moved to the dead-letter queue.",
		},
		[]string{"reason"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claimrelay_circuit_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half_open, 2 open).",
		},
		[]string{"dependency"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claimrelay_queue_depth",
			Help: "Current depth of NSQ topic channels.",
		},
		[]string{"topic", "channel"},
	)

	LeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "claimrelay_leases_reclaimed_total",
			Help: "Total number of stale in_progress records moved back to retrying.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TasksSubmittedTotal,
		TasksProcessedTotal,
		DeliveryAttemptsTotal,
		DeliveryLatencySeconds,
		DeliveryAttemptDurationSeconds,
		RetriesTotal,
		DeadLettersTotal,
		CircuitState,
		QueueDepth,
		LeasesReclaimedTotal,
	)
}

func RecordTaskSubmitted(mode string) {
	TasksSubmittedTotal.WithLabelValues(mode).Inc()
}

func RecordTaskProcessed(result string) {
	TasksProcessedTotal.WithLabelValues(result).Inc()
}

// RecordDeliveryAttempt counts one attempt; duration is only observed when a request was sent
func RecordDeliveryAttempt(outcome string, duration time.Duration) {
	DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		DeliveryAttemptDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveDeliveryLatency records the end-to-end latency of a delivered lineage
func ObserveDeliveryLatency(latency time.Duration) {
	if latency >= 0 {
		DeliveryLatencySeconds.Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

func SetCircuitState(dependency string, state float64) {
	CircuitState.WithLabelValues(dependency).Set(state)
}

func UpdateQueueDepth(topic, channel string, depth float64) {
	QueueDepth.WithLabelValues(topic, channel).Set(depth)
}

func RecordLeaseReclaimed() {
	LeasesReclaimedTotal.Inc()
}
