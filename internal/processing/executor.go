package processing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/claimrelay/internal/delivery"
	"github.com/austindbirch/claimrelay/internal/evaluation"
	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/metrics"
	"github.com/austindbirch/claimrelay/internal/queue"
	"github.com/austindbirch/claimrelay/internal/status"
	"github.com/austindbirch/claimrelay/internal/tracing"
)

const retryDelay = 5 * time.Second

type Evaluator interface {
	Evaluate(ctx context.Context, claim evaluation.Claim, mode evaluation.Mode) (evaluation.Report, error)
}

// Executor consumes the processing topic: it evaluates each claim and hands the result
// to the delivery topic
type Executor struct {
	eval          Evaluator
	store         status.Store
	pub           queue.Publisher
	deliveryTopic string
	log           *logging.Logger
	now           func() time.Time
}

func NewExecutor(eval Evaluator, store status.Store, pub queue.Publisher, deliveryTopic string, log *logging.Logger) *Executor {
	return &Executor{
		eval:          eval,
		store:         store,
		pub:           pub,
		deliveryTopic: deliveryTopic,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// HandleMessage implements nsq.Handler
func (e *Executor) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			m.Finish()
		}
	}()

	var t Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		e.log.Plain().WithError(err).Error("bad processing task payload")
		metrics.RecordTaskProcessed("invalid")
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractTaskHeaders(context.Background(), t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.processing",
		attribute.String("reference_id", t.ReferenceID),
		attribute.String("task_id", t.TaskID),
		attribute.String("mode", t.Mode),
	)
	defer span.End()

	e.process(ctx, m, t)
	return nil
}

func (e *Executor) entry(ctx context.Context, t Task) *logging.LogEntry {
	return e.log.WithContext(ctx).WithReference(t.ReferenceID).WithTask(t.TaskID).WithCorrelation(t.CorrelationID)
}

func (e *Executor) process(ctx context.Context, m *nsq.Message, t Task) {
	if t.ReferenceID == "" || t.TaskID == "" {
		e.entry(ctx, t).Error("processing task missing reference_id or task_id, dropping")
		metrics.RecordTaskProcessed("invalid")
		m.Finish()
		return
	}

	if t.CallbackURL != "" {
		rec, err := e.store.Get(ctx, t.Key())
		switch {
		case errors.Is(err, status.ErrNotFound):
			if err := e.store.Create(ctx, t.pendingRecord()); err != nil && !errors.Is(err, status.ErrExists) {
				e.requeue(ctx, m, t, err, "status create failed")
				return
			}
		case err != nil:
			e.requeue(ctx, m, t, err, "status read failed")
			return
		case rec.Status != status.Pending:
			// a redelivered message after the delivery task was already published
			e.entry(ctx, t).WithField("status", rec.Status).Info("task already handed to delivery, acking")
			m.Finish()
			return
		}
	}

	claim, mode, err := decode(t)
	if err != nil {
		e.reject(ctx, m, t, err)
		return
	}

	report, evalErr := e.eval.Evaluate(ctx, claim, mode)
	var payload delivery.Payload
	if evalErr != nil {
		e.entry(ctx, t).WithError(evalErr).Warn("evaluation failed, delivering error payload")
		tracing.SetSpanError(ctx, evalErr)
		metrics.RecordTaskProcessed("error")
		payload = delivery.ErrorPayload(t.ReferenceID, "evaluation failed: "+evalErr.Error())
	} else {
		metrics.RecordTaskProcessed("success")
		payload, err = delivery.SuccessPayload(t.ReferenceID, report)
		if err != nil {
			payload = delivery.ErrorPayload(t.ReferenceID, err.Error())
		}
	}

	if t.CallbackURL == "" {
		e.entry(ctx, t).WithFields(map[string]any{
			"payload_status": payload.Status,
		}).Info("claim processed without callback")
		m.Finish()
		return
	}

	dt := t.DeliveryTask(payload, e.now().Format(time.RFC3339), tracing.InjectTaskHeaders(ctx))
	body, err := json.Marshal(dt)
	if err != nil {
		e.entry(ctx, t).WithError(err).Error("marshal delivery task failed")
		m.Finish()
		return
	}
	if err := e.pub.Publish(e.deliveryTopic, body); err != nil {
		e.requeue(ctx, m, t, err, "publish delivery task failed")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", e.deliveryTopic))
	e.entry(ctx, t).WithField("payload_status", payload.Status).Info("delivery task enqueued")
	m.Finish()
}

func decode(t Task) (evaluation.Claim, evaluation.Mode, error) {
	mode, err := ParseMode(t.Mode)
	if err != nil {
		return evaluation.Claim{}, "", err
	}
	claim, err := ParseClaim(t.Claim)
	if err != nil {
		return claim, "", err
	}
	if claim.ReferenceID != t.ReferenceID {
		return claim, "", &delivery.ValidationError{Field: "reference_id", Reason: "does not match the submitted reference"}
	}
	return claim, mode, nil
}

// reject ends a lineage whose input can never be processed. The record goes straight to
// failed with no delivery attempt.
func (e *Executor) reject(ctx context.Context, m *nsq.Message, t Task, cause error) {
	metrics.RecordTaskProcessed("invalid")
	e.entry(ctx, t).WithError(cause).Warn("claim rejected")
	tracing.SetSpanError(ctx, cause)

	if t.CallbackURL != "" {
		_, err := e.store.Update(ctx, t.Key(), func(r *status.Record) error {
			r.Status = status.Failed
			r.SetError(cause.Error())
			return nil
		})
		if err != nil {
			e.requeue(ctx, m, t, err, "status update to failed failed")
			return
		}
	}
	m.Finish()
}

func (e *Executor) requeue(ctx context.Context, m *nsq.Message, t Task, err error, msg string) {
	e.entry(ctx, t).WithError(err).Error(msg)
	tracing.SetSpanError(ctx, err)
	m.Requeue(retryDelay)
}
