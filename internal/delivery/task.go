package delivery

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/austindbirch/claimrelay/internal/status"
)

const (
	PayloadSuccess = "success"
	PayloadError   = "error"
)

// Payload is the JSON body POSTed to the callback
type Payload struct {
	ReferenceID string          `json:"reference_id"`
	Status      string          `json:"status"` // success | error
	Result      json.RawMessage `json:"result,omitempty"`
	Message     string          `json:"message,omitempty"`
}

func SuccessPayload(referenceID string, result any) (Payload, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Payload{}, fmt.Errorf("marshal result: %w", err)
	}
	return Payload{ReferenceID: referenceID, Status: PayloadSuccess, Result: raw}, nil
}

func ErrorPayload(referenceID, message string) Payload {
	return Payload{ReferenceID: referenceID, Status: PayloadError, Message: message}
}

// Task is one delivery lineage as carried on the delivery topic. A retry re-publishes
// the same task with Attempt and RejectedCount advanced; TaskID and IdempotencyKey never change.
type Task struct {
	ReferenceID    string            `json:"reference_id"`
	TaskID         string            `json:"task_id"`
	CallbackURL    string            `json:"callback_url"`
	Payload        Payload           `json:"payload"`
	Attempt        int               `json:"attempt"`        // attempts already made
	RejectedCount  int               `json:"rejected_count"` // copy of the record's count when the retry was scheduled
	IdempotencyKey string            `json:"idempotency_key"`
	CorrelationID  string            `json:"correlation_id"`
	EnqueuedAt     string            `json:"enqueued_at"`             // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

func (t Task) Key() string {
	return status.Key(t.ReferenceID, t.TaskID)
}

// Validate checks the fields needed to attempt a delivery
func (t Task) Validate() error {
	if t.ReferenceID == "" {
		return &ValidationError{Field: "reference_id", Reason: "required"}
	}
	if t.TaskID == "" {
		return &ValidationError{Field: "task_id", Reason: "required"}
	}
	if t.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	u, err := url.Parse(t.CallbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "callback_url", Reason: "must be an absolute http(s) URL"}
	}
	return nil
}

// PendingRecord is the status record created before the first attempt
func (t Task) PendingRecord() status.Record {
	return status.Record{
		ReferenceID:    t.ReferenceID,
		TaskID:         t.TaskID,
		Status:         status.Pending,
		CorrelationID:  t.CorrelationID,
		IdempotencyKey: t.IdempotencyKey,
		CallbackURL:    t.CallbackURL,
	}
}
