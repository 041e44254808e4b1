package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/claimrelay/internal/circuit"
	"github.com/austindbirch/claimrelay/internal/deadletter"
	"github.com/austindbirch/claimrelay/internal/delivery"
	"github.com/austindbirch/claimrelay/internal/status"
)

type published struct {
	topic string
	body  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic, body})
	return nil
}

func (p *fakePublisher) DeferredPublish(topic string, _ time.Duration, body []byte) error {
	return p.Publish(topic, body)
}

type fakeDeadLetters struct {
	mu       sync.Mutex
	records  map[string]deadletter.Record
	purgedAt time.Time
	purges   int
	// getBarrier, when set, holds every Get until all expected readers have read
	getBarrier *sync.WaitGroup
}

func (f *fakeDeadLetters) Insert(context.Context, delivery.DeadLetter) (bool, error) { return false, nil }

func (f *fakeDeadLetters) Get(_ context.Context, key string) (deadletter.Record, error) {
	f.mu.Lock()
	r, ok := f.records[key]
	f.mu.Unlock()
	if f.getBarrier != nil {
		f.getBarrier.Done()
		f.getBarrier.Wait()
	}
	if !ok {
		return deadletter.Record{}, deadletter.ErrNotFound
	}
	return r, nil
}

func (f *fakeDeadLetters) record(key string) deadletter.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[key]
}

func (f *fakeDeadLetters) List(_ context.Context, lf deadletter.ListFilter) ([]deadletter.Record, error) {
	var out []deadletter.Record
	for _, r := range f.records {
		if lf.ReferenceID == "" || r.ReferenceID == lf.ReferenceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeDeadLetters) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	f.purgedAt = olderThan
	f.purges++
	return int64(len(f.records)), nil
}

func (f *fakeDeadLetters) ClaimReplay(_ context.Context, key, replayTaskID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	if !ok {
		return deadletter.ErrNotFound
	}
	if r.ReplayTaskID != "" {
		return fmt.Errorf("%w as %s", deadletter.ErrAlreadyReplayed, r.ReplayTaskID)
	}
	r.ReplayTaskID = replayTaskID
	r.ReplayedAt = &at
	f.records[key] = r
	return nil
}

func (f *fakeDeadLetters) ReleaseReplay(_ context.Context, key, replayTaskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[key]; ok && r.ReplayTaskID == replayTaskID {
		r.ReplayTaskID = ""
		r.ReplayedAt = nil
		f.records[key] = r
	}
	return nil
}

var fixedNow = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc   *Service
	store *status.RedisStore
	dls   *fakeDeadLetters
	pub   *fakePublisher
	reg   *circuit.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		store: status.NewRedisStore(rdb, status.DefaultTTLPolicy()),
		dls:   &fakeDeadLetters{records: map[string]deadletter.Record{}},
		pub:   &fakePublisher{},
		reg:   circuit.NewRegistry(circuit.DefaultSettings(), circuit.WithStateHook(func(string, circuit.State, circuit.State) {})),
	}
	h.svc = New(h.store, h.dls, h.reg, h.pub, "delivery")
	var n atomic.Int64
	h.svc.newID = func() string {
		return fmt.Sprintf("new-%d", n.Add(1))
	}
	h.svc.now = func() time.Time { return fixedNow }
	return h
}

func failedDeadLetter() deadletter.Record {
	task := delivery.Task{
		ReferenceID:    "REF-9",
		TaskID:         "task-9",
		CallbackURL:    "https://hooks.example.com/claims",
		Payload:        delivery.ErrorPayload("REF-9", "firm not found"),
		Attempt:        3,
		RejectedCount:  1,
		IdempotencyKey: "idem-9",
		CorrelationID:  "corr-9",
	}
	return deadletter.Record{
		TaskKey:       task.Key(),
		TaskID:        task.TaskID,
		ReferenceID:   task.ReferenceID,
		CallbackURL:   task.CallbackURL,
		Payload:       task.Payload,
		FailureReason: "max attempts reached (3)",
		AttemptCount:  3,
		FailedAt:      fixedNow.Add(-time.Hour),
		Task:          task,
	}
}

func TestReplayDeadLetter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := failedDeadLetter()
	h.dls.records[src.TaskKey] = src

	rep, err := h.svc.ReplayDeadLetter(ctx, src.TaskKey, "receiver fixed")
	if err != nil {
		t.Fatalf("ReplayDeadLetter() error = %v", err)
	}
	if rep.TaskID != "new-1" || rep.StatusKey != "REF-9_new-1" || rep.ReplayOf != "REF-9_task-9" {
		t.Errorf("replay = %+v", rep)
	}

	if len(h.pub.msgs) != 1 || h.pub.msgs[0].topic != "delivery" {
		t.Fatalf("published = %+v", h.pub.msgs)
	}
	var task delivery.Task
	if err := json.Unmarshal(h.pub.msgs[0].body, &task); err != nil {
		t.Fatal(err)
	}
	if task.Attempt != 0 || task.RejectedCount != 0 {
		t.Errorf("replay starts with attempt=%d rejected=%d", task.Attempt, task.RejectedCount)
	}
	if task.IdempotencyKey != "new-2" || task.CorrelationID != "corr-9" || task.Payload.Message != "firm not found" {
		t.Errorf("task = %+v", task)
	}

	rec, err := h.store.Get(ctx, rep.StatusKey)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != status.Pending || rec.IdempotencyKey != "new-2" {
		t.Errorf("status record = %+v", rec)
	}
	if got := h.dls.record(src.TaskKey).ReplayTaskID; got != "new-1" {
		t.Errorf("ReplayTaskID = %q", got)
	}

	if _, err := h.svc.ReplayDeadLetter(ctx, src.TaskKey, ""); !errors.Is(err, ErrAlreadyReplayed) {
		t.Errorf("second replay error = %v, want ErrAlreadyReplayed", err)
	}
	if _, err := h.svc.ReplayDeadLetter(ctx, "missing", ""); !errors.Is(err, deadletter.ErrNotFound) {
		t.Errorf("missing replay error = %v", err)
	}
}

func TestReplayPublishFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := failedDeadLetter()
	h.dls.records[src.TaskKey] = src
	h.pub.err = errors.New("nsqd down")

	if _, err := h.svc.ReplayDeadLetter(ctx, src.TaskKey, ""); err == nil {
		t.Fatal("expected publish error")
	}
	rec, err := h.store.Get(ctx, "REF-9_new-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != status.Failed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if h.dls.record(src.TaskKey).ReplayTaskID != "" {
		t.Error("dead letter still claimed after failed publish")
	}

	// the released claim lets the operator try again
	h.pub.err = nil
	rep, err := h.svc.ReplayDeadLetter(ctx, src.TaskKey, "")
	if err != nil {
		t.Fatalf("retry after failed publish: %v", err)
	}
	if got := h.dls.record(src.TaskKey).ReplayTaskID; got != rep.TaskID {
		t.Errorf("ReplayTaskID = %q, want %q", got, rep.TaskID)
	}
}

func TestConcurrentReplayEnqueuesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := failedDeadLetter()
	h.dls.records[src.TaskKey] = src

	// both callers read the unreplayed row before either claims it
	const callers = 2
	var barrier sync.WaitGroup
	barrier.Add(callers)
	h.dls.getBarrier = &barrier

	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.ReplayDeadLetter(ctx, src.TaskKey, "")
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyReplayed):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("successes = %d, conflicts = %d, want 1 and 1", ok, conflicts)
	}
	if len(h.pub.msgs) != 1 {
		t.Errorf("published %d replays, want 1", len(h.pub.msgs))
	}
}

func TestPurgeDeadLetters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.PurgeDeadLetters(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if !h.dls.purgedAt.IsZero() {
		t.Errorf("zero age purge cutoff = %v, want zero", h.dls.purgedAt)
	}
	if _, err := h.svc.PurgeDeadLetters(ctx, 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if want := fixedNow.Add(-24 * time.Hour); !h.dls.purgedAt.Equal(want) {
		t.Errorf("cutoff = %v, want %v", h.dls.purgedAt, want)
	}
}

func TestWithoutDeadLetterStore(t *testing.T) {
	h := newHarness(t)
	svc := New(h.store, nil, h.reg, nil, "delivery")
	ctx := context.Background()

	if _, err := svc.ListDeadLetters(ctx, deadletter.ListFilter{}); !errors.Is(err, ErrNoDeadLetters) {
		t.Errorf("ListDeadLetters() error = %v", err)
	}
	if _, err := svc.PurgeDeadLetters(ctx, 0); !errors.Is(err, ErrNoDeadLetters) {
		t.Errorf("PurgeDeadLetters() error = %v", err)
	}
	if _, err := svc.ReplayDeadLetter(ctx, "k", ""); !errors.Is(err, ErrNoDeadLetters) {
		t.Errorf("ReplayDeadLetter() error = %v", err)
	}
}

func TestStatusQueriesAndCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		rec := status.Record{ReferenceID: "REF-1", TaskID: id, Status: status.Pending, IdempotencyKey: "idem-" + id}
		if err := h.store.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.store.Update(ctx, "REF-1_b", func(r *status.Record) error {
		r.Status = status.Failed
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	got, err := h.svc.GetStatus(ctx, "REF-1_a")
	if err != nil || got.Status != status.Pending {
		t.Fatalf("GetStatus() = %+v, %v", got, err)
	}
	if _, err := h.svc.GetStatus(ctx, "REF-1_zzz"); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("GetStatus(missing) error = %v", err)
	}

	failed, err := h.svc.ListStatuses(ctx, status.Filter{ReferenceID: "REF-1", Status: status.Failed})
	if err != nil || len(failed) != 1 || failed[0].TaskID != "b" {
		t.Fatalf("ListStatuses(failed) = %+v, %v", failed, err)
	}

	n, err := h.svc.Cleanup(ctx, status.CleanupFilter{Status: status.Failed})
	if err != nil || n != 1 {
		t.Fatalf("Cleanup() = %d, %v", n, err)
	}
	all, _ := h.svc.ListStatuses(ctx, status.Filter{ReferenceID: "REF-1"})
	if len(all) != 1 || all[0].TaskID != "a" {
		t.Errorf("remaining = %+v", all)
	}
}

func TestCircuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.reg.Get("hooks.example.com")
	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return errors.New("boom") })
	}

	snaps := h.svc.Circuits()
	if len(snaps) != 1 || snaps[0].State != "open" {
		t.Fatalf("Circuits() = %+v", snaps)
	}
	if err := h.svc.ResetCircuit(ctx, "hooks.example.com"); err != nil {
		t.Fatal(err)
	}
	if b.State() != circuit.Closed {
		t.Errorf("state after reset = %v", b.State())
	}
	if err := h.svc.ResetCircuit(ctx, "nope"); !errors.Is(err, ErrUnknownCircuit) {
		t.Errorf("ResetCircuit(unknown) error = %v", err)
	}
}
