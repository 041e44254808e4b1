package deadletter

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/claimrelay/internal/delivery"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound        = errors.New("dead letter not found")
	ErrAlreadyReplayed = errors.New("dead letter already replayed")
)

// Record is one persisted dead letter
type Record struct {
	TaskKey          string           `json:"task_key"`
	TaskID           string           `json:"task_id"`
	ReferenceID      string           `json:"reference_id"`
	CallbackURL      string           `json:"callback_url"`
	Payload          delivery.Payload `json:"payload"`
	FailureReason    string           `json:"failure_reason"`
	AttemptCount     int              `json:"attempt_count"`
	LastResponseCode *int             `json:"last_response_code,omitempty"`
	FailedAt         time.Time        `json:"failed_at"`
	RecordedAt       time.Time        `json:"recorded_at"`
	ReplayedAt       *time.Time       `json:"replayed_at,omitempty"`
	ReplayTaskID     string           `json:"replay_task_id,omitempty"`
	Task             delivery.Task    `json:"-"`
}

type ListFilter struct {
	ReferenceID string
	Limit       int
}

type Store interface {
	Insert(ctx context.Context, dl delivery.DeadLetter) (bool, error)
	Get(ctx context.Context, taskKey string) (Record, error)
	List(ctx context.Context, f ListFilter) ([]Record, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
	ClaimReplay(ctx context.Context, taskKey, replayTaskID string, at time.Time) error
	ReleaseReplay(ctx context.Context, taskKey, replayTaskID string) error
}

// DBTX is the subset of *pgxpool.Pool the store uses
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGStore struct {
	db DBTX
}

func NewPGStore(db DBTX) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the schema and table if they do not exist
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("dead letter schema: %w", err)
		}
	}
	return nil
}

// Insert stores dl unless its task key is already present. It reports whether a row was written.
func (s *PGStore) Insert(ctx context.Context, dl delivery.DeadLetter) (bool, error) {
	payload, err := json.Marshal(dl.Task.Payload)
	if err != nil {
		return false, err
	}
	task, err := json.Marshal(dl.Task)
	if err != nil {
		return false, err
	}
	var code sql.NullInt32
	if dl.HTTPStatus > 0 {
		code = sql.NullInt32{Int32: int32(dl.HTTPStatus), Valid: true}
	}

	ct, err := s.db.Exec(ctx, `
		INSERT INTO claimrelay.dead_letters(
			task_key, task_id, reference_id, callback_url, payload, task,
			failure_reason, attempt_count, last_response_code, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (task_key) DO NOTHING`,
		dl.Key(), dl.TaskID, dl.ReferenceID, dl.Task.CallbackURL, payload, task,
		dl.FailureReason, dl.Attempts, code, dl.FailedAt,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

const selectColumns = `
	SELECT task_key, task_id, reference_id, callback_url, payload, task, failure_reason,
	       attempt_count, last_response_code, failed_at, recorded_at, replayed_at, replay_task_id
	FROM claimrelay.dead_letters`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r             Record
		payload, task []byte
		code          sql.NullInt32
		replayedAt    sql.NullTime
		replayTaskID  sql.NullString
	)
	if err := row.Scan(&r.TaskKey, &r.TaskID, &r.ReferenceID, &r.CallbackURL, &payload, &task,
		&r.FailureReason, &r.AttemptCount, &code, &r.FailedAt, &r.RecordedAt, &replayedAt, &replayTaskID,
	); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(payload, &r.Payload); err != nil {
		return Record{}, fmt.Errorf("decode payload of %s: %w", r.TaskKey, err)
	}
	if err := json.Unmarshal(task, &r.Task); err != nil {
		return Record{}, fmt.Errorf("decode task of %s: %w", r.TaskKey, err)
	}
	if code.Valid {
		c := int(code.Int32)
		r.LastResponseCode = &c
	}
	if replayedAt.Valid {
		t := replayedAt.Time.UTC()
		r.ReplayedAt = &t
	}
	r.ReplayTaskID = replayTaskID.String
	r.FailedAt = r.FailedAt.UTC()
	r.RecordedAt = r.RecordedAt.UTC()
	return r, nil
}

func (s *PGStore) Get(ctx context.Context, taskKey string) (Record, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, selectColumns+` WHERE task_key = $1`, taskKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// List returns the newest dead letters first
func (s *PGStore) List(ctx context.Context, f ListFilter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := selectColumns
	args := []any{}
	if f.ReferenceID != "" {
		args = append(args, f.ReferenceID)
		q += ` WHERE reference_id = $1`
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY failed_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Purge deletes dead letters that failed before olderThan; the zero time deletes all
func (s *PGStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	var (
		ct  pgconn.CommandTag
		err error
	)
	if olderThan.IsZero() {
		ct, err = s.db.Exec(ctx, `DELETE FROM claimrelay.dead_letters`)
	} else {
		ct, err = s.db.Exec(ctx, `DELETE FROM claimrelay.dead_letters WHERE failed_at < $1`, olderThan)
	}
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ClaimReplay records replayTaskID as the dead letter's one replay. The update only
// matches an unclaimed row, so of two concurrent replays exactly one wins; the other
// gets ErrAlreadyReplayed.
func (s *PGStore) ClaimReplay(ctx context.Context, taskKey, replayTaskID string, at time.Time) error {
	ct, err := s.db.Exec(ctx, `
		UPDATE claimrelay.dead_letters SET replayed_at = $2, replay_task_id = $3
		WHERE task_key = $1 AND replay_task_id IS NULL`, taskKey, at, replayTaskID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var existing sql.NullString
	err = s.db.QueryRow(ctx, `SELECT replay_task_id FROM claimrelay.dead_letters WHERE task_key = $1`, taskKey).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w as %s", ErrAlreadyReplayed, existing.String)
}

// ReleaseReplay clears a claim whose replay was never enqueued. It only clears the
// caller's own claim.
func (s *PGStore) ReleaseReplay(ctx context.Context, taskKey, replayTaskID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE claimrelay.dead_letters SET replayed_at = NULL, replay_task_id = NULL
		WHERE task_key = $1 AND replay_task_id = $2`, taskKey, replayTaskID)
	return err
}
