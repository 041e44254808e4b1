package status

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle position of one delivery lineage
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Retrying   Status = "retrying"
	Delivered  Status = "delivered"
	Failed     Status = "failed"
)

var (
	ErrNotFound          = errors.New("status record not found")
	ErrExists            = errors.New("status record already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("status record modified concurrently")
)

// transitions lists the allowed edges; delivered and failed have none
var transitions = map[Status][]Status{
	Pending:    {InProgress, Failed},
	InProgress: {Delivered, Retrying, Failed},
	Retrying:   {InProgress, Failed},
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case Pending, InProgress, Retrying, Delivered, Failed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == Delivered || s == Failed
}

// CanTransition reports whether from -> to is an edge of the delivery state machine
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record tracks one delivery lineage, keyed by Key(ReferenceID, TaskID)
type Record struct {
	ReferenceID      string    `json:"reference_id"`
	TaskID           string    `json:"task_id"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	AttemptCount     int       `json:"attempt_count"`
	RejectedCount    int       `json:"rejected_count"` // 4xx responses recorded for this lineage
	LastResponseCode *int      `json:"last_response_code"`
	CorrelationID    string    `json:"correlation_id"`
	IdempotencyKey   string    `json:"idempotency_key"`
	ErrorSummary     *string   `json:"error_summary"`
	CallbackURL      string    `json:"callback_url,omitempty"`
}

// Key joins a reference ID and task ID into the record key
func Key(referenceID, taskID string) string {
	return referenceID + "_" + taskID
}

func (r Record) Key() string {
	return Key(r.ReferenceID, r.TaskID)
}

// SetResponseCode records the callback's HTTP status; zero clears it
func (r *Record) SetResponseCode(code int) {
	if code == 0 {
		r.LastResponseCode = nil
		return
	}
	r.LastResponseCode = &code
}

// SetError records a short failure summary; empty clears it
func (r *Record) SetError(summary string) {
	if summary == "" {
		r.ErrorSummary = nil
		return
	}
	if len(summary) > maxErrorSummary {
		summary = summary[:maxErrorSummary]
	}
	r.ErrorSummary = &summary
}

const maxErrorSummary = 512

func (r Record) validate() error {
	if r.ReferenceID == "" || r.TaskID == "" {
		return errors.New("status record requires reference_id and task_id")
	}
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return err
	}
	return nil
}

// Filter selects records for List; zero fields match everything
type Filter struct {
	ReferenceID string
	Status      Status
}

func (f Filter) match(r Record) bool {
	if f.ReferenceID != "" && r.ReferenceID != f.ReferenceID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// CleanupFilter selects records for removal. OlderThan compares against UpdatedAt.
type CleanupFilter struct {
	Status      Status
	ReferenceID string
	OlderThan   time.Duration
}
