package status

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const leasePrefix = "lease:delivery:"

// ErrLeaseHeld means another worker is processing the same task key
var ErrLeaseHeld = errors.New("delivery lease held by another worker")

// Leaser hands out short-lived per-task locks so that only one worker runs an
// attempt for a given task key at a time
type Leaser struct {
	rdb    redis.UniversalClient
	locker *redislock.Client
	ttl    time.Duration
}

func NewLeaser(rdb redis.UniversalClient, ttl time.Duration) *Leaser {
	return &Leaser{rdb: rdb, locker: redislock.New(rdb), ttl: ttl}
}

type Lease struct {
	lock *redislock.Lock
	ttl  time.Duration
}

func leaseKey(key string) string { return leasePrefix + normalizeKey(key) }

// Acquire obtains the lease for key without waiting
func (l *Leaser) Acquire(ctx context.Context, key string) (*Lease, error) {
	lock, err := l.locker.Obtain(ctx, leaseKey(key), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, err
	}
	return &Lease{lock: lock, ttl: l.ttl}, nil
}

// Held reports whether any worker currently holds the lease for key
func (l *Leaser) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, leaseKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Refresh extends the lease by its original TTL
func (ls *Lease) Refresh(ctx context.Context) error {
	return ls.lock.Refresh(ctx, ls.ttl, nil)
}

// KeepAlive refreshes the lease every half TTL until the returned stop func is called.
// The first failed refresh is passed to onLost and ends the keepalive.
func (ls *Lease) KeepAlive(ctx context.Context, onLost func(error)) (stop func()) {
	if ls.ttl <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ls.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ls.Refresh(ctx); err != nil {
					if ctx.Err() == nil && onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Release gives the lease back; releasing an already expired lease is not an error
func (ls *Lease) Release(ctx context.Context) error {
	err := ls.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
