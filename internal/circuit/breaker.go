package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker position. Numeric values are exported as the circuit_state gauge.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CircuitOpenError is returned instead of calling a dependency that is presumed down
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for %s (retry after %s)", e.Dependency, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit open for %s", e.Dependency)
}

type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultSettings opens after 5 consecutive failures and probes again after a minute
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, ResetTimeout: time.Minute}
}

// Snapshot is a read-only copy of a breaker's state
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Breaker guards calls to a single named dependency
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	onChange func(name string, from, to State)

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	generation uint64
	probing    bool
}

func newBreaker(name string, s Settings, now func() time.Time, onChange func(string, State, State)) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultSettings().ResetTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, settings: s, now: now, onChange: onChange}
}

func (b *Breaker) Name() string { return b.name }

// Allow asks permission for one call. On success the caller must invoke done exactly
// once with the call's result. Reports from calls admitted under an earlier generation
// (before the breaker last changed state) are ignored. In HALF_OPEN only the first
// caller is admitted; everyone else gets a CircuitOpenError until the probe resolves.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.settings.ResetTimeout {
			return nil, &CircuitOpenError{Dependency: b.name, RetryAfter: b.settings.ResetTimeout - elapsed}
		}
		b.setState(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			return nil, &CircuitOpenError{Dependency: b.name}
		}
		b.probing = true
	}

	gen := b.generation
	var once sync.Once
	return func(success bool) {
		once.Do(func() { b.report(gen, success) })
	}, nil
}

// Execute runs fn under the breaker; any non-nil error counts as a failure
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err == nil)
	return err
}

func (b *Breaker) report(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		return
	}
	if success {
		b.failures = 0
		b.probing = false
		if b.state != Closed {
			b.setState(Closed)
		}
		return
	}

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.trip()
		}
	}
}

// trip moves to OPEN and restarts the reset timer; callers hold mu
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.probing = false
	b.setState(Open)
}

// setState bumps the generation so in-flight reports from the old state are dropped; callers hold mu
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	b.generation++
	if to == Closed {
		b.failures = 0
		b.openedAt = time.Time{}
	}
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}

// Reset forces the breaker CLOSED with cleared counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.failures = 0
	if b.state != Closed {
		b.setState(Closed)
	} else {
		b.generation++
	}
}

// State reports the current position. An expired OPEN timer only advances on Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}
