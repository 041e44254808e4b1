package processing

import (
	"encoding/json"

	"github.com/austindbirch/claimrelay/internal/delivery"
	"github.com/austindbirch/claimrelay/internal/status"
)

// Task is one accepted claim as carried on the processing topic. The claim stays raw
// so that malformed input is rejected by the executor, where it can be recorded.
type Task struct {
	ReferenceID    string            `json:"reference_id"`
	TaskID         string            `json:"task_id"`
	Claim          json.RawMessage   `json:"claim"`
	Mode           string            `json:"mode"`
	CallbackURL    string            `json:"callback_url,omitempty"`
	CorrelationID  string            `json:"correlation_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	SubmittedAt    string            `json:"submitted_at"` // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
}

func (t Task) Key() string {
	return status.Key(t.ReferenceID, t.TaskID)
}

// DeliveryTask builds the first delivery of this task's result
func (t Task) DeliveryTask(payload delivery.Payload, enqueuedAt string, trace map[string]string) delivery.Task {
	return delivery.Task{
		ReferenceID:    t.ReferenceID,
		TaskID:         t.TaskID,
		CallbackURL:    t.CallbackURL,
		Payload:        payload,
		IdempotencyKey: t.IdempotencyKey,
		CorrelationID:  t.CorrelationID,
		EnqueuedAt:     enqueuedAt,
		TraceHeaders:   trace,
	}
}

func (t Task) pendingRecord() status.Record {
	return status.Record{
		ReferenceID:    t.ReferenceID,
		TaskID:         t.TaskID,
		Status:         status.Pending,
		CorrelationID:  t.CorrelationID,
		IdempotencyKey: t.IdempotencyKey,
		CallbackURL:    t.CallbackURL,
	}
}
