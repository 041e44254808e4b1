package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordPrefix = "webhook_status:"
	indexPrefix  = "webhook_status_ref:"

	scanCount     = 200
	maxCASRetries = 5
)

// Store is the persistence contract for delivery status records
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, key string) (Record, error)
	Update(ctx context.Context, key string, fn func(*Record) error) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Cleanup(ctx context.Context, f CleanupFilter) (int, error)
	DeleteExpired(ctx context.Context) (int, error)
}

type TTLPolicy struct {
	Delivered time.Duration
	Retain    time.Duration // every non-delivered status
}

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{Delivered: 30 * time.Minute, Retain: 7 * 24 * time.Hour}
}

func (p TTLPolicy) For(s Status) time.Duration {
	if s == Delivered {
		return p.Delivered
	}
	return p.Retain
}

// RedisStore keeps each record as JSON under webhook_status:{key} with a TTL chosen
// by status, plus a set per reference ID listing its task IDs.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl TTLPolicy
	now func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, ttl TTLPolicy) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func recordKey(key string) string { return recordPrefix + key }

func indexKey(referenceID string) string { return indexPrefix + referenceID }

// normalizeKey accepts either "{ref}_{task}" or the full redis key
func normalizeKey(key string) string {
	return strings.TrimPrefix(key, recordPrefix)
}

// Create writes a new record; it fails with ErrExists if the key is already present
func (s *RedisStore) Create(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, recordKey(rec.Key()), data, s.ttl.For(rec.Status)).Result()
	if err != nil {
		return fmt.Errorf("create status record: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return s.index(ctx, s.rdb, rec)
}

func (s *RedisStore) index(ctx context.Context, c redis.Cmdable, rec Record) error {
	idx := indexKey(rec.ReferenceID)
	_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, idx, rec.TaskID)
		pipe.Expire(ctx, idx, s.ttl.Retain)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index status record: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(normalizeKey(key))).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get status record: %w", err)
	}
	return decode(raw)
}

func decode(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode status record: %w", err)
	}
	return rec, nil
}

// Update applies fn to the current record under WATCH/MULTI. The new status must be an
// edge of the state machine from the stored one. The TTL is reset for the new status.
func (s *RedisStore) Update(ctx context.Context, key string, fn func(*Record) error) (Record, error) {
	rk := recordKey(normalizeKey(key))
	var updated Record

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rk).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := decode(raw)
		if err != nil {
			return err
		}

		next := current
		if err := fn(&next); err != nil {
			return err
		}
		if !CanTransition(current.Status, next.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
		}
		next.ReferenceID, next.TaskID, next.CreatedAt = current.ReferenceID, current.TaskID, current.CreatedAt
		next.UpdatedAt = s.now()

		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, data, s.ttl.For(next.Status))
			pipe.SAdd(ctx, indexKey(next.ReferenceID), next.TaskID)
			pipe.Expire(ctx, indexKey(next.ReferenceID), s.ttl.Retain)
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}

	for i := 0; i < maxCASRetries; i++ {
		err := s.rdb.Watch(ctx, txf, rk)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Record{}, err
	}
	return Record{}, ErrConflict
}

// List returns matching records ordered by creation time. With a reference ID it reads
// that reference's index and prunes entries whose records have expired; otherwise it
// walks the keyspace with SCAN.
func (s *RedisStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		out []Record
		err error
	)
	if f.ReferenceID != "" {
		out, err = s.listByReference(ctx, f.ReferenceID)
	} else {
		out, err = s.scanAll(ctx)
	}
	if err != nil {
		return nil, err
	}

	filtered := out[:0]
	for _, rec := range out {
		if f.match(rec) {
			filtered = append(filtered, rec)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})
	return filtered, nil
}

func (s *RedisStore) listByReference(ctx context.Context, referenceID string) ([]Record, error) {
	idx := indexKey(referenceID)
	taskIDs, err := s.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("read reference index: %w", err)
	}
	if len(taskIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = recordKey(Key(referenceID, id))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read status records: %w", err)
	}

	var (
		out   []Record
		stale []any
	)
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, taskIDs[i])
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, idx, stale...).Err()
	}
	return out, nil
}

func (s *RedisStore) scanAll(ctx context.Context) ([]Record, error) {
	var (
		out    []Record
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, recordPrefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan status records: %w", err)
		}
		if len(keys) > 0 {
			vals, err := s.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("read status records: %w", err)
			}
			for _, v := range vals {
				// expired between SCAN and MGET
				str, ok := v.(string)
				if !ok {
					continue
				}
				if rec, err := decode([]byte(str)); err == nil {
					out = append(out, rec)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Delete removes one record and its index entry
func (s *RedisStore) Delete(ctx context.Context, rec Record) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(rec.Key()))
		pipe.SRem(ctx, indexKey(rec.ReferenceID), rec.TaskID)
		return nil
	})
	return err
}

// Cleanup removes records matching f and returns how many were deleted
func (s *RedisStore) Cleanup(ctx context.Context, f CleanupFilter) (int, error) {
	recs, err := s.List(ctx, Filter{ReferenceID: f.ReferenceID, Status: f.Status})
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-f.OlderThan)

	removed := 0
	for _, rec := range recs {
		if f.OlderThan > 0 && !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, rec); err != nil {
			return removed, fmt.Errorf("delete %s: %w", rec.Key(), err)
		}
		removed++
	}
	return removed, nil
}

// DeleteExpired drops index entries whose records Redis has already expired.
// Record expiry itself is native TTL. It returns the number of pruned entries.
func (s *RedisStore) DeleteExpired(ctx context.Context) (int, error) {
	pruned := 0
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, indexPrefix+"*", scanCount).Result()
		if err != nil {
			return pruned, fmt.Errorf("scan reference indexes: %w", err)
		}
		for _, idx := range keys {
			n, err := s.pruneIndex(ctx, idx)
			if err != nil {
				return pruned, err
			}
			pruned += n
		}
		cursor = next
		if cursor == 0 {
			return pruned, nil
		}
	}
}

func (s *RedisStore) pruneIndex(ctx context.Context, idx string) (int, error) {
	referenceID := strings.TrimPrefix(idx, indexPrefix)
	taskIDs, err := s.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, err
	}

	pipe := s.rdb.Pipeline()
	checks := make([]*redis.IntCmd, len(taskIDs))
	for i, id := range taskIDs {
		checks[i] = pipe.Exists(ctx, recordKey(Key(referenceID, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}

	var stale []any
	for i, c := range checks {
		if c.Val() == 0 {
			stale = append(stale, taskIDs[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.rdb.SRem(ctx, idx, stale...).Err(); err != nil {
		return 0, err
	}
	return len(stale), nil
}
