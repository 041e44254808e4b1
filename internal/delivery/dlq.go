package delivery

import "time"

const DLQType = "delivery.dlq"

// DeadLetter is published to the dead_letter topic when a lineage ends in failed
type DeadLetter struct {
	Type          string    `json:"type"`    // "delivery.dlq"
	Version       string    `json:"version"` // schema version
	TaskID        string    `json:"task_id"`
	ReferenceID   string    `json:"reference_id"`
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
	Attempts      int       `json:"attempts"`
	HTTPStatus    int       `json:"http_status,omitempty"`
	Task          Task      `json:"task"` // full delivery snapshot, payload included
}

func (d DeadLetter) Key() string {
	return d.Task.Key()
}

func NewDeadLetter(t Task, attempts, httpStatus int, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:          DLQType,
		Version:       "v1",
		TaskID:        t.TaskID,
		ReferenceID:   t.ReferenceID,
		FailureReason: reason,
		FailedAt:      at.UTC(),
		Attempts:      attempts,
		HTTPStatus:    httpStatus,
		Task:          t,
	}
}
