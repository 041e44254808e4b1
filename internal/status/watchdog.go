package status

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/metrics"
)

const leaseExpired = "lease expired"

// LeaseChecker reports whether a task key is still being worked on
type LeaseChecker interface {
	Held(ctx context.Context, key string) (bool, error)
}

// Watchdog moves records stuck in_progress back to retrying once their worker has
// stopped holding the lease. The broker redelivers the unacknowledged message, and the
// next attempt resumes from retrying.
type Watchdog struct {
	store      Store
	leases     LeaseChecker
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

func NewWatchdog(store Store, leases LeaseChecker, staleAfter, interval time.Duration) *Watchdog {
	return &Watchdog{
		store:      store,
		leases:     leases,
		staleAfter: staleAfter,
		interval:   interval,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is cancelled, also pruning expired index entries
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.WithContext(ctx).WithError(err).Warn("status watchdog sweep failed")
			}
			if n, err := w.store.DeleteExpired(ctx); err != nil {
				logging.WithContext(ctx).WithError(err).Warn("reference index prune failed")
			} else if n > 0 {
				logging.WithContext(ctx).WithField("pruned", n).Debug("pruned expired index entries")
			}
		}
	}
}

// Sweep reclaims stale in_progress records once and returns how many were moved
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	recs, err := w.store.List(ctx, Filter{Status: InProgress})
	if err != nil {
		return 0, err
	}

	cutoff := w.now().Add(-w.staleAfter)
	reclaimed := 0
	for _, rec := range recs {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		held, err := w.leases.Held(ctx, rec.Key())
		if err != nil {
			return reclaimed, err
		}
		if held {
			continue
		}

		_, err = w.store.Update(ctx, rec.Key(), func(r *Record) error {
			if r.Status != InProgress || r.UpdatedAt.After(cutoff) {
				return errSkip
			}
			r.Status = Retrying
			r.SetError(leaseExpired)
			return nil
		})
		if errors.Is(err, errSkip) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}

		reclaimed++
		metrics.RecordLeaseReclaimed()
		logging.WithContext(ctx).
			WithReference(rec.ReferenceID).
			WithTask(rec.TaskID).
			WithCorrelation(rec.CorrelationID).
			WithField("attempt_count", rec.AttemptCount).
			Warn("reclaimed stale in_progress delivery")
	}
	return reclaimed, nil
}

var errSkip = errors.New("record changed, skip")
