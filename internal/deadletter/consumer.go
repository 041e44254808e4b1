package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/claimrelay/internal/delivery"
	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/tracing"
)

const insertRetryDelay = 5 * time.Second

// Consumer persists messages from the dead_letter topic. Redeliveries are harmless
// because inserts are keyed by task.
type Consumer struct {
	store Store
	log   *logging.Logger
}

func NewConsumer(store Store, log *logging.Logger) *Consumer {
	return &Consumer{store: store, log: log}
}

func (c *Consumer) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	var dl delivery.DeadLetter
	if err := json.Unmarshal(m.Body, &dl); err != nil || dl.TaskID == "" || dl.ReferenceID == "" {
		c.log.Plain().WithError(err).WithField("body_bytes", len(m.Body)).Error("unreadable dead letter, dropping")
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractTaskHeaders(context.Background(), dl.Task.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.dead_letter",
		attribute.String("reference_id", dl.ReferenceID),
		attribute.String("task_id", dl.TaskID),
	)
	defer span.End()

	entry := c.log.WithContext(ctx).WithReference(dl.ReferenceID).WithTask(dl.TaskID).WithCorrelation(dl.Task.CorrelationID)
	inserted, err := c.store.Insert(ctx, dl)
	if err != nil {
		entry.WithError(err).Error("dead letter insert failed, requeueing")
		tracing.SetSpanError(ctx, err)
		m.Requeue(insertRetryDelay)
		return nil
	}
	if !inserted {
		entry.Info("dead letter already recorded")
	} else {
		entry.WithFields(map[string]any{
			"attempts": dl.Attempts,
			"reason":   dl.FailureReason,
		}).Warn("dead letter recorded")
	}
	m.Finish()
	return nil
}
