package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/claimrelay/internal/circuit"
	"github.com/austindbirch/claimrelay/internal/deadletter"
	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/queue"
	"github.com/austindbirch/claimrelay/internal/status"
	"github.com/austindbirch/claimrelay/internal/tracing"
)

var (
	ErrUnknownCircuit  = errors.New("unknown circuit")
	ErrAlreadyReplayed = deadletter.ErrAlreadyReplayed
	ErrNoDeadLetters   = errors.New("dead-letter store not configured")
)

// Service is the read and cleanup surface over delivery state
type Service struct {
	statuses      status.Store
	deadLetters   deadletter.Store
	breakers      *circuit.Registry
	pub           queue.Publisher
	deliveryTopic string
	newID         func() string
	now           func() time.Time
}

// New wires the admin service. deadLetters and pub may be nil when the process has no
// Postgres or NSQ; the dead-letter operations then return ErrNoDeadLetters.
func New(statuses status.Store, deadLetters deadletter.Store, breakers *circuit.Registry, pub queue.Publisher, deliveryTopic string) *Service {
	return &Service{
		statuses:      statuses,
		deadLetters:   deadLetters,
		breakers:      breakers,
		pub:           pub,
		deliveryTopic: deliveryTopic,
		newID:         uuid.NewString,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) GetStatus(ctx context.Context, key string) (status.Record, error) {
	return s.statuses.Get(ctx, key)
}

func (s *Service) ListStatuses(ctx context.Context, f status.Filter) ([]status.Record, error) {
	return s.statuses.List(ctx, f)
}

// Cleanup removes status records and also prunes index entries left by expired records
func (s *Service) Cleanup(ctx context.Context, f status.CleanupFilter) (int, error) {
	removed, err := s.statuses.Cleanup(ctx, f)
	if err != nil {
		return removed, err
	}
	pruned, err := s.statuses.DeleteExpired(ctx)
	if err != nil {
		return removed, err
	}
	logging.WithContext(ctx).WithFields(map[string]any{
		"removed":       removed,
		"index_pruned":  pruned,
		"status":        f.Status,
		"reference_id":  f.ReferenceID,
		"older_than_ms": f.OlderThan.Milliseconds(),
	}).Info("status cleanup")
	return removed, nil
}

func (s *Service) ListDeadLetters(ctx context.Context, f deadletter.ListFilter) ([]deadletter.Record, error) {
	if s.deadLetters == nil {
		return nil, ErrNoDeadLetters
	}
	return s.deadLetters.List(ctx, f)
}

// PurgeDeadLetters deletes dead letters that failed more than olderThan ago; zero purges all
func (s *Service) PurgeDeadLetters(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.deadLetters == nil {
		return 0, ErrNoDeadLetters
	}
	var cutoff time.Time
	if olderThan > 0 {
		cutoff = s.now().Add(-olderThan)
	}
	n, err := s.deadLetters.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	logging.WithContext(ctx).WithFields(map[string]any{
		"purged":        n,
		"older_than_ms": olderThan.Milliseconds(),
	}).Info("dead letters purged")
	return n, nil
}

// Replay is the new lineage started from a dead letter
type Replay struct {
	ReplayOf      string `json:"replay_of"`
	ReferenceID   string `json:"reference_id"`
	TaskID        string `json:"task_id"`
	StatusKey     string `json:"status_key"`
	CorrelationID string `json:"correlation_id"`
}

// ReplayDeadLetter enqueues the dead letter's payload again as a new delivery lineage
// with a fresh task ID and idempotency key. The dead letter is claimed for the new task
// before anything is enqueued, so it is replayed at most once; a failed enqueue
// releases the claim.
func (s *Service) ReplayDeadLetter(ctx context.Context, taskKey, reason string) (Replay, error) {
	if s.deadLetters == nil || s.pub == nil {
		return Replay{}, ErrNoDeadLetters
	}
	src, err := s.deadLetters.Get(ctx, taskKey)
	if err != nil {
		return Replay{}, err
	}
	if src.ReplayTaskID != "" {
		return Replay{}, fmt.Errorf("%w as %s", ErrAlreadyReplayed, src.ReplayTaskID)
	}

	ctx, span := tracing.StartSpan(ctx, "admin.replay_dead_letter",
		attribute.String("reference_id", src.ReferenceID),
		attribute.String("replay_of", src.TaskKey),
	)
	defer span.End()

	t := src.Task
	t.TaskID = s.newID()
	t.IdempotencyKey = s.newID()
	t.Attempt = 0
	t.RejectedCount = 0
	t.EnqueuedAt = s.now().Format(time.RFC3339)
	t.TraceHeaders = tracing.InjectTaskHeaders(ctx)
	if t.Payload.ReferenceID == "" {
		t.Payload = src.Payload
	}

	body, err := json.Marshal(t)
	if err != nil {
		return Replay{}, fmt.Errorf("marshal delivery task: %w", err)
	}
	if err := s.deadLetters.ClaimReplay(ctx, taskKey, t.TaskID, s.now()); err != nil {
		tracing.SetSpanError(ctx, err)
		return Replay{}, err
	}
	if err := s.statuses.Create(ctx, t.PendingRecord()); err != nil {
		tracing.SetSpanError(ctx, err)
		s.releaseReplay(ctx, taskKey, t.TaskID)
		return Replay{}, fmt.Errorf("create status record: %w", err)
	}
	if err := s.pub.Publish(s.deliveryTopic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		_, _ = s.statuses.Update(ctx, t.Key(), func(r *status.Record) error {
			r.Status = status.Failed
			r.SetError("enqueue failed: " + err.Error())
			return nil
		})
		s.releaseReplay(ctx, taskKey, t.TaskID)
		return Replay{}, fmt.Errorf("publish replay: %w", err)
	}

	logging.WithContext(ctx).
		WithReference(t.ReferenceID).
		WithTask(t.TaskID).
		WithCorrelation(t.CorrelationID).
		WithFields(map[string]any{"replay_of": taskKey, "reason": reason}).
		Info("dead letter replayed")
	return Replay{
		ReplayOf:      taskKey,
		ReferenceID:   t.ReferenceID,
		TaskID:        t.TaskID,
		StatusKey:     t.Key(),
		CorrelationID: t.CorrelationID,
	}, nil
}

func (s *Service) releaseReplay(ctx context.Context, taskKey, replayTaskID string) {
	if err := s.deadLetters.ReleaseReplay(ctx, taskKey, replayTaskID); err != nil {
		// the dead letter stays claimed by a replay that never ran
		logging.WithContext(ctx).WithTask(replayTaskID).WithError(err).
			WithField("replay_of", taskKey).Error("could not release replay claim")
	}
}

func (s *Service) Circuits() []circuit.Snapshot {
	return s.breakers.Snapshot()
}

func (s *Service) ResetCircuit(ctx context.Context, name string) error {
	if !s.breakers.Reset(name) {
		return fmt.Errorf("%w: %s", ErrUnknownCircuit, name)
	}
	logging.WithContext(ctx).WithField("dependency", name).Info("circuit reset by operator")
	return nil
}
