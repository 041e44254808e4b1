package circuit

import (
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/metrics"
)

// Names of the evaluation dependencies guarded by breakers
const (
	DependencyFirmData  = "firm_data"
	DependencyEvaluator = "evaluator"
)

// Registry owns one Breaker per dependency name, created lazily on first use
type Registry struct {
	settings Settings
	now      func() time.Time
	onChange func(name string, from, to State)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

type Option func(*Registry)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStateHook replaces the default logging and gauge update on state changes
func WithStateHook(fn func(name string, from, to State)) Option {
	return func(r *Registry) { r.onChange = fn }
}

func NewRegistry(settings Settings, opts ...Option) *Registry {
	r := &Registry{
		settings: settings,
		now:      time.Now,
		onChange: defaultStateHook,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultStateHook(name string, from, to State) {
	metrics.SetCircuitState(name, float64(to))
	entry := logging.Plain().WithFields(map[string]any{
		"dependency": name,
		"from":       from.String(),
		"to":         to.String(),
	})
	if to == Open {
		entry.Warn("circuit opened")
		return
	}
	entry.Info("circuit state changed")
}

// Get returns the breaker for name, creating it CLOSED if needed
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, r.settings, r.now, r.onChange)
	r.breakers[name] = b
	metrics.SetCircuitState(name, float64(Closed))
	return b
}

// Reset closes the named breaker; it reports false when no such breaker exists
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshot lists every known breaker sorted by name
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
