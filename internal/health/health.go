package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"` // dependency -> "ok" or the failure
}

// Check pings one backing dependency
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

func Postgres(pool *pgxpool.Pool) Check {
	return Check{Name: "postgres", Ping: pool.Ping}
}

func Redis(rdb redis.UniversalClient) Check {
	return Check{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }}
}

func NSQ(ping func(ctx context.Context) error) Check {
	return Check{Name: "nsqd", Ping: ping}
}

// Run executes every check with a shared timeout
func Run(ctx context.Context, timeout time.Duration, checks ...Check) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st := Status{OK: true, Message: "ok"}
	if len(checks) > 0 {
		st.Checks = make(map[string]string, len(checks))
	}
	for _, c := range checks {
		if err := c.Ping(ctx); err != nil {
			st.OK = false
			st.Message = c.Name + " ping failed"
			st.Checks[c.Name] = err.Error()
			continue
		}
		st.Checks[c.Name] = "ok"
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Run(r.Context(), time.Second, checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
