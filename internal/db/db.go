package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/claimrelay/internal/config"
	"github.com/austindbirch/claimrelay/internal/logging"
)

// RetryPolicy bounds how long startup waits for a backing store
type RetryPolicy struct {
	Interval   time.Duration
	MaxRetries uint64
}

// DefaultRetry waits up to ~15s, enough for compose dependencies to come up
var DefaultRetry = RetryPolicy{Interval: 3 * time.Second, MaxRetries: 5}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), p.MaxRetries), ctx)
}

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string, maxConns int32, retry RetryPolicy) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("db: empty DSN")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	var pool *pgxpool.Pool
	err = backoff.Retry(func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return backoff.Permanent(err)
		}
		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.Ping(ctxPing); err != nil {
			p.Close()
			logging.WithContext(ctx).WithError(err).Warn("postgres not ready, retrying")
			return err
		}
		pool = p
		return nil
	}, retry.backOff(ctx))
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// ConnectRedis returns a client once PING succeeds
func ConnectRedis(ctx context.Context, cfg config.Redis, retry RetryPolicy) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis: empty address")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	err := backoff.Retry(func() error {
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctxPing).Err(); err != nil {
			logging.WithContext(ctx).WithError(err).WithField("addr", cfg.Addr).Warn("redis not ready, retrying")
			return err
		}
		return nil
	}, retry.backOff(ctx))
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
