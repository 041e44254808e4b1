package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	registry := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(registry)

	// Record some values so vector metrics appear in Gather()
	RecordTaskSubmitted("basic")
	RecordTaskProcessed("enqueued")
	RecordDeliveryAttempt("success", 100*time.Millisecond)
	ObserveDeliveryLatency(90 * time.Second)
	RecordRetry("http_5xx")
	RecordDeadLetter("max_attempts")
	SetCircuitState("firm_data", 0)
	UpdateQueueDepth("delivery", "workers", 3)
	RecordLeaseReclaimed()

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"claimrelay_tasks_submitted_total",
		"claimrelay_tasks_processed_total",
		"claimrelay_delivery_attempts_total",
		"claimrelay_delivery_latency_seconds",
		"claimrelay_delivery_attempt_duration_seconds",
		"claimrelay_retries_total",
		"claimrelay_dead_letters_total",
		"claimrelay_circuit_state",
		"claimrelay_queue_depth",
		"claimrelay_leases_reclaimed_total",
	}

	registered := make(map[string]bool)
	for _, mf := range metricFamilies {
		registered[mf.GetName()] = true
		if !strings.HasPrefix(mf.GetName(), "claimrelay_") {
			t.Errorf("Metric name %s does not have expected prefix 'claimrelay_'", mf.GetName())
		}
	}
	for _, expected := range expectedMetrics {
		if !registered[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordDeliveryAttempt(t *testing.T) {
	DeliveryAttemptsTotal.Reset()

	tests := []struct {
		name    string
		outcome string
		latency time.Duration
		calls   int
	}{
		{name: "success", outcome: "success", latency: 50 * time.Millisecond, calls: 1},
		{name: "retryable", outcome: "retryable", latency: 2 * time.Second, calls: 3},
		{name: "circuit open without latency", outcome: "circuit_open", latency: 0, calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordDeliveryAttempt(tt.outcome, tt.latency)
			}
			value := testutil.ToFloat64(DeliveryAttemptsTotal.WithLabelValues(tt.outcome))
			if value != float64(tt.calls) {
				t.Errorf("RecordDeliveryAttempt() counter = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

// histogramSamples returns the sample count and sum of an unlabelled histogram
func histogramSamples(t *testing.T, h prometheus.Histogram) (uint64, float64) {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(h)
	mfs, err := reg.Gather()
	if err != nil || len(mfs) != 1 || len(mfs[0].GetMetric()) != 1 {
		t.Fatalf("Gather() = %v, %v", mfs, err)
	}
	hist := mfs[0].GetMetric()[0].GetHistogram()
	return hist.GetSampleCount(), hist.GetSampleSum()
}

func TestLatencyHistogramsAreSeparate(t *testing.T) {
	attemptsBefore, _ := histogramSamples(t, DeliveryAttemptDurationSeconds)
	e2eBefore, e2eSumBefore := histogramSamples(t, DeliveryLatencySeconds)

	RecordDeliveryAttempt("retryable", 200*time.Millisecond)
	RecordDeliveryAttempt("success", 300*time.Millisecond)
	ObserveDeliveryLatency(95 * time.Second)
	ObserveDeliveryLatency(-time.Second) // clock skew between producer and worker

	attempts, _ := histogramSamples(t, DeliveryAttemptDurationSeconds)
	if got := attempts - attemptsBefore; got != 2 {
		t.Errorf("attempt duration samples = %d, want 2", got)
	}
	e2e, e2eSum := histogramSamples(t, DeliveryLatencySeconds)
	if got := e2e - e2eBefore; got != 1 {
		t.Errorf("end-to-end samples = %d, want 1", got)
	}
	if got := e2eSum - e2eSumBefore; got < 94.999 || got > 95.001 {
		t.Errorf("end-to-end sum delta = %v, want 95", got)
	}
}

func TestRecordRetryAndDeadLetter(t *testing.T) {
	RetriesTotal.Reset()
	DeadLettersTotal.Reset()

	RecordRetry("timeout")
	RecordRetry("timeout")
	RecordDeadLetter("http_4xx")

	if got := testutil.ToFloat64(RetriesTotal.WithLabelValues("timeout")); got != 2 {
		t.Errorf("RetriesTotal{timeout} = %f, want 2", got)
	}
	if got := testutil.ToFloat64(DeadLettersTotal.WithLabelValues("http_4xx")); got != 1 {
		t.Errorf("DeadLettersTotal{http_4xx} = %f, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	tests := []struct {
		name  string
		set   func()
		gauge prometheus.Gauge
		want  float64
	}{
		{
			name:  "circuit open",
			set:   func() { SetCircuitState("evaluator", 2) },
			gauge: CircuitState.WithLabelValues("evaluator"),
			want:  2,
		},
		{
			name:  "queue depth",
			set:   func() { UpdateQueueDepth("processing", "workers", 42) },
			gauge: QueueDepth.WithLabelValues("processing", "workers"),
			want:  42,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.set()
			if got := testutil.ToFloat64(tt.gauge); got != tt.want {
				t.Errorf("gauge = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestTaskCounters(t *testing.T) {
	TasksSubmittedTotal.Reset()
	TasksProcessedTotal.Reset()

	RecordTaskSubmitted("complete")
	RecordTaskProcessed("invalid")
	RecordTaskProcessed("invalid")

	if got := testutil.ToFloat64(TasksSubmittedTotal.WithLabelValues("complete")); got != 1 {
		t.Errorf("TasksSubmittedTotal{complete} = %f, want 1", got)
	}
	if got := testutil.ToFloat64(TasksProcessedTotal.WithLabelValues("invalid")); got != 2 {
		t.Errorf("TasksProcessedTotal{invalid} = %f, want 2", got)
	}
}
