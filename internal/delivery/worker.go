package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/metrics"
	"github.com/austindbirch/claimrelay/internal/queue"
	"github.com/austindbirch/claimrelay/internal/status"
	"github.com/austindbirch/claimrelay/internal/tracing"
)

// infraRetryDelay is how long a message waits when Redis or nsqd is unavailable;
// such requeues do not consume the delivery attempt budget
const infraRetryDelay = 5 * time.Second

// Deliverer performs one outbound attempt
type Deliverer interface {
	Deliver(ctx context.Context, t Task) (Result, error)
}

type Leaser interface {
	Acquire(ctx context.Context, key string) (*status.Lease, error)
}

type Topics struct {
	Delivery   string
	DeadLetter string
}

// Worker consumes the delivery topic. Each message is one attempt of one lineage.
type Worker struct {
	store  status.Store
	leases Leaser
	client Deliverer
	pub    queue.Publisher
	policy Policy
	topics Topics
	log    *logging.Logger
	now    func() time.Time
}

func NewWorker(store status.Store, leases Leaser, client Deliverer, pub queue.Publisher, policy Policy, topics Topics, log *logging.Logger) *Worker {
	return &Worker{
		store:  store,
		leases: leases,
		client: client,
		pub:    pub,
		policy: policy,
		topics: topics,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleMessage implements nsq.Handler. It always responds explicitly and never
// returns an error, so go-nsq's own requeue backoff is never involved.
func (w *Worker) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			w.log.Plain().Warn("delivery message had no response, finishing")
			m.Finish()
		}
	}()

	var t Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		w.log.Plain().WithError(err).Error("bad delivery task payload")
		metrics.RecordDeliveryAttempt(OutcomeTerminal.String(), 0)
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractTaskHeaders(context.Background(), t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("reference_id", t.ReferenceID),
		attribute.String("task_id", t.TaskID),
		attribute.String("correlation_id", t.CorrelationID),
		attribute.Int("attempt", t.Attempt+1),
	)
	defer span.End()

	w.process(ctx, span, m, t)
	return nil
}

func (w *Worker) entry(ctx context.Context, t Task) *logging.LogEntry {
	return w.log.WithContext(ctx).WithReference(t.ReferenceID).WithTask(t.TaskID).WithCorrelation(t.CorrelationID)
}

func (w *Worker) process(ctx context.Context, span oteltrace.Span, m *nsq.Message, t Task) {
	if t.ReferenceID == "" || t.TaskID == "" {
		// without a key there is no record to fail
		w.entry(ctx, t).Error("delivery task missing reference_id or task_id, dropping")
		metrics.RecordDeliveryAttempt(OutcomeTerminal.String(), 0)
		m.Finish()
		return
	}
	key := t.Key()

	lease, err := w.leases.Acquire(ctx, key)
	if errors.Is(err, status.ErrLeaseHeld) {
		w.entry(ctx, t).Info("task leased by another worker, requeueing")
		m.Requeue(infraRetryDelay)
		return
	}
	if err != nil {
		w.entry(ctx, t).WithError(err).Error("lease acquire failed")
		tracing.SetSpanError(ctx, err)
		m.Requeue(infraRetryDelay)
		return
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			w.entry(ctx, t).WithError(err).Warn("lease release failed")
		}
	}()

	rec, err := w.loadRecord(ctx, t)
	if err != nil {
		w.entry(ctx, t).WithError(err).Error("status read failed")
		tracing.SetSpanError(ctx, err)
		m.Requeue(infraRetryDelay)
		return
	}

	switch rec.Status {
	case status.Delivered:
		w.entry(ctx, t).Info("duplicate delivery message for delivered task, acking")
		m.Finish()
		return
	case status.Failed:
		// the dead letter may not have been published before a crash; the consumer dedupes
		w.entry(ctx, t).Info("duplicate delivery message for failed task, re-publishing dead letter")
		w.publishDeadLetter(ctx, m, t, rec, deref(rec.ErrorSummary))
		return
	case status.InProgress:
		// we hold the lease, so the worker that marked it is gone
		rec, err = w.store.Update(ctx, key, func(r *status.Record) error {
			r.Status = status.Retrying
			r.SetError("lease expired")
			return nil
		})
		if err != nil {
			w.entry(ctx, t).WithError(err).Error("reclaim of stale in_progress failed")
			m.Requeue(infraRetryDelay)
			return
		}
		w.entry(ctx, t).Warn("reclaimed stale in_progress record")
	}

	if err := t.Validate(); err != nil {
		w.fail(ctx, m, t, "validation", err.Error(), 0, rec.RejectedCount)
		return
	}
	if rec.AttemptCount >= w.policy.MaxAttempts {
		reason := (&ExhaustedError{Attempts: rec.AttemptCount}).Error()
		w.fail(ctx, m, t, "max_attempts", reason, 0, rec.RejectedCount)
		return
	}

	// attempt boundary: in_progress is recorded before any network call
	rec, err = w.store.Update(ctx, key, func(r *status.Record) error {
		r.Status = status.InProgress
		r.AttemptCount++
		return nil
	})
	if err != nil {
		w.entry(ctx, t).WithError(err).Error("status update to in_progress failed")
		tracing.SetSpanError(ctx, err)
		m.Requeue(infraRetryDelay)
		return
	}
	attempt := rec.AttemptCount
	span.SetAttributes(attribute.Int("attempt", attempt))

	// the lease must outlive a slow POST
	stopRefresh := lease.KeepAlive(ctx, func(err error) {
		w.entry(ctx, t).WithError(err).Warn("lease refresh failed during delivery")
	})
	res, deliverErr := w.client.Deliver(ctx, t)
	stopRefresh()
	outcome := Classify(res.StatusCode, deliverErr)
	metrics.RecordDeliveryAttempt(outcome.Label(), res.Latency)
	span.SetAttributes(
		attribute.Int("http.status_code", res.StatusCode),
		attribute.Int64("http.latency_ms", res.Latency.Milliseconds()),
		attribute.String("delivery.outcome", outcome.Kind.String()),
	)
	if deliverErr != nil {
		span.SetAttributes(attribute.String("delivery.error", deliverErr.Error()))
	}

	// rejections come from the record; a requeued original message carries a stale count
	d := Decide(outcome, attempt, rec.RejectedCount, w.policy)
	switch d.Next {
	case status.Delivered:
		w.succeed(ctx, m, t, res)
	case status.Retrying:
		w.retry(ctx, m, t, attempt, res, d, deliverErr)
	default:
		summary := d.Reason
		if d.Err != nil {
			summary = d.Err.Error()
		}
		w.fail(ctx, m, t, d.Reason, summary, res.StatusCode, d.RejectedCount)
	}
}

// loadRecord returns the lineage's status, creating the pending record if it has expired or
// was never written
func (w *Worker) loadRecord(ctx context.Context, t Task) (status.Record, error) {
	rec, err := w.store.Get(ctx, t.Key())
	if !errors.Is(err, status.ErrNotFound) {
		return rec, err
	}
	if err := w.store.Create(ctx, t.PendingRecord()); err != nil && !errors.Is(err, status.ErrExists) {
		return status.Record{}, err
	}
	return w.store.Get(ctx, t.Key())
}

func (w *Worker) succeed(ctx context.Context, m *nsq.Message, t Task, res Result) {
	_, err := w.store.Update(ctx, t.Key(), func(r *status.Record) error {
		r.Status = status.Delivered
		r.SetResponseCode(res.StatusCode)
		r.SetError("")
		return nil
	})
	if err != nil {
		// the callback has the payload; a redelivery would send it again under the same idempotency key
		w.entry(ctx, t).WithError(err).Error("status update to delivered failed")
		tracing.SetSpanError(ctx, err)
		m.Requeue(infraRetryDelay)
		return
	}
	fields := map[string]any{
		"status_code": res.StatusCode,
		"latency_ms":  res.Latency.Milliseconds(),
	}
	if enqueued, err := time.Parse(time.RFC3339, t.EnqueuedAt); err == nil {
		e2e := w.now().Sub(enqueued)
		metrics.ObserveDeliveryLatency(e2e)
		fields["end_to_end_ms"] = e2e.Milliseconds()
	}
	tracing.AddSpanEvent(ctx, "delivery.success")
	w.entry(ctx, t).WithFields(fields).Info("delivered")
	m.Finish()
}

func (w *Worker) retry(ctx context.Context, m *nsq.Message, t Task, attempt int, res Result, d Decision, cause error) {
	_, err := w.store.Update(ctx, t.Key(), func(r *status.Record) error {
		r.Status = status.Retrying
		r.RejectedCount = d.RejectedCount
		r.SetResponseCode(res.StatusCode)
		if cause != nil {
			r.SetError(cause.Error())
		}
		return nil
	})
	if err != nil {
		w.entry(ctx, t).WithError(err).Error("status update to retrying failed")
		tracing.SetSpanError(ctx, err)
		m.Requeue(infraRetryDelay)
		return
	}

	next := t
	next.Attempt = attempt
	next.RejectedCount = d.RejectedCount
	next.TraceHeaders = tracing.InjectTaskHeaders(ctx)
	body, _ := json.Marshal(next)

	metrics.RecordRetry(d.Reason)
	tracing.AddSpanEvent(ctx, "delivery.requeue",
		attribute.Int("attempt", attempt),
		attribute.String("delay", d.Delay.String()),
	)
	logEntry := w.entry(ctx, t).WithFields(map[string]any{
		"attempt": attempt,
		"delay":   d.Delay.String(),
		"reason":  d.Reason,
	})

	if err := w.pub.DeferredPublish(w.topics.Delivery, d.Delay, body); err != nil {
		// fall back to redelivering this message; the rejection count is already on the record
		logEntry.WithError(err).Warn("deferred publish failed, requeueing original message")
		m.Requeue(d.Delay)
		return
	}
	logEntry.Info("scheduled retry")
	m.Finish()
}

// fail moves the record to failed and hands the lineage to the dead-letter topic
func (w *Worker) fail(ctx context.Context, m *nsq.Message, t Task, reason, summary string, code, rejected int) {
	updated, err := w.store.Update(ctx, t.Key(), func(r *status.Record) error {
		r.Status = status.Failed
		r.RejectedCount = rejected
		r.SetResponseCode(code)
		r.SetError(summary)
		return nil
	})
	if err != nil {
		w.entry(ctx, t).WithError(err).Error("status update to failed failed")
		tracing.SetSpanError(ctx, err)
		m.Requeue(infraRetryDelay)
		return
	}
	metrics.RecordDeadLetter(reason)
	w.entry(ctx, t).WithFields(map[string]any{
		"attempt_count": updated.AttemptCount,
		"reason":        reason,
	}).Warn("delivery failed, dead-lettering")
	w.publishDeadLetter(ctx, m, t, updated, summary)
}

func (w *Worker) publishDeadLetter(ctx context.Context, m *nsq.Message, t Task, rec status.Record, reason string) {
	code := 0
	if rec.LastResponseCode != nil {
		code = *rec.LastResponseCode
	}
	dl := NewDeadLetter(t, rec.AttemptCount, code, reason, w.now())
	body, _ := json.Marshal(dl)

	if err := w.pub.Publish(w.topics.DeadLetter, body); err != nil {
		w.entry(ctx, t).WithError(err).Error("dead letter publish failed, requeueing")
		tracing.SetSpanError(ctx, err)
		m.Requeue(infraRetryDelay)
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", w.topics.DeadLetter))
	m.Finish()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
