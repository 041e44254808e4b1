package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/claimrelay/internal/delivery"
	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/metrics"
	"github.com/austindbirch/claimrelay/internal/queue"
	"github.com/austindbirch/claimrelay/internal/status"
	"github.com/austindbirch/claimrelay/internal/tracing"
)

type SubmitRequest struct {
	ReferenceID   string
	Claim         json.RawMessage
	Mode          string
	CallbackURL   string // optional; without it nothing is delivered
	CorrelationID string // generated when empty
}

type Submission struct {
	ReferenceID   string `json:"reference_id"`
	TaskID        string `json:"task_id"`
	StatusKey     string `json:"status_key,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// Submitter accepts claims at the front door and enqueues processing tasks
type Submitter struct {
	store status.Store
	pub   queue.Publisher
	topic string
	newID func() string
	now   func() time.Time
}

func NewSubmitter(store status.Store, pub queue.Publisher, topic string) *Submitter {
	return &Submitter{
		store: store,
		pub:   pub,
		topic: topic,
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Submit enqueues one processing task and returns its task id. Only the reference and
// mode are checked here; the claim body is validated by the executor so that a bad claim
// still leaves a failed status record behind.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	if req.ReferenceID == "" {
		return Submission{}, &delivery.ValidationError{Field: "reference_id", Reason: "required"}
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return Submission{}, err
	}

	t := Task{
		ReferenceID:    req.ReferenceID,
		TaskID:         s.newID(),
		Claim:          req.Claim,
		Mode:           string(mode),
		CallbackURL:    req.CallbackURL,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: s.newID(),
		SubmittedAt:    s.now().Format(time.RFC3339),
	}
	if t.CorrelationID == "" {
		t.CorrelationID = s.newID()
	}

	ctx, span := tracing.StartSpan(ctx, "processing.submit",
		attribute.String("reference_id", t.ReferenceID),
		attribute.String("task_id", t.TaskID),
		attribute.String("mode", t.Mode),
	)
	defer span.End()
	t.TraceHeaders = tracing.InjectTaskHeaders(ctx)

	sub := Submission{ReferenceID: t.ReferenceID, TaskID: t.TaskID, CorrelationID: t.CorrelationID}
	if t.CallbackURL != "" {
		if err := s.store.Create(ctx, t.pendingRecord()); err != nil {
			tracing.SetSpanError(ctx, err)
			return Submission{}, fmt.Errorf("create status record: %w", err)
		}
		sub.StatusKey = t.Key()
	}

	body, err := json.Marshal(t)
	if err != nil {
		return Submission{}, fmt.Errorf("marshal processing task: %w", err)
	}
	if err := s.pub.Publish(s.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		if sub.StatusKey != "" {
			// nothing will ever process the lineage
			s.abandon(ctx, t, err)
		}
		return Submission{}, fmt.Errorf("publish processing task: %w", err)
	}

	metrics.RecordTaskSubmitted(t.Mode)
	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", s.topic))
	logging.WithContext(ctx).
		WithReference(t.ReferenceID).
		WithTask(t.TaskID).
		WithCorrelation(t.CorrelationID).
		WithFields(map[string]any{"mode": t.Mode, "callback": t.CallbackURL != ""}).
		Info("claim submitted")
	return sub, nil
}

func (s *Submitter) abandon(ctx context.Context, t Task, cause error) {
	_, err := s.store.Update(ctx, t.Key(), func(r *status.Record) error {
		r.Status = status.Failed
		r.SetError("enqueue failed: " + cause.Error())
		return nil
	})
	if err != nil {
		logging.WithContext(ctx).WithReference(t.ReferenceID).WithTask(t.TaskID).WithError(err).
			Error("could not mark unpublished task failed")
	}
}
