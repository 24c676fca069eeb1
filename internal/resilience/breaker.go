// Package resilience guards calls to the shared presence store so a store
// outage degrades presence bookkeeping instead of stalling connection handling.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without running the operation while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Settings configures a Breaker.
type Settings struct {
	Name string

	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before a trial call is let through.
	Cooldown time.Duration

	// OnStateChange runs with the breaker lock held and must not call back into it.
	OnStateChange func(name string, from, to State)
}

// DefaultSettings returns five failures / thirty seconds.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:        name,
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
	}
}

// Breaker counts consecutive failures and fails fast once they cross the
// threshold. After the cooldown exactly one trial call is admitted; its
// outcome closes or re-opens the breaker.
type Breaker struct {
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	requests  atomic.Int64
	rejected  atomic.Int64
	successes atomic.Int64
	failed    atomic.Int64
}

// New creates a Breaker. Zero-valued settings fall back to the defaults.
func New(settings Settings) *Breaker {
	def := DefaultSettings(settings.Name)
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = def.MaxFailures
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = def.Cooldown
	}
	return &Breaker{settings: settings, now: time.Now}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	b.requests.Add(1)

	trial, ok := b.admit()
	if !ok {
		b.rejected.Add(1)
		return ErrCircuitOpen
	}

	err := fn()
	b.record(trial, err == nil)
	return err
}

// admit decides whether a call may run and whether it is the half-open probe.
func (b *Breaker) admit() (trial bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.settings.Cooldown {
			return false, false
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return true, true
	default:
		// Half-open: one probe in flight at a time.
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
}

func (b *Breaker) record(trial, success bool) {
	if success {
		b.successes.Add(1)
	} else {
		b.failed.Add(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.probing = false
		if success {
			b.transition(StateClosed)
		} else {
			b.transition(StateOpen)
		}
		return
	}

	if b.state != StateClosed {
		return
	}
	if success {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.settings.MaxFailures {
		b.transition(StateOpen)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}

// State returns the current position. An open breaker whose cooldown elapsed
// still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string { return b.settings.Name }

// Metrics is a point-in-time snapshot for health reporting.
type Metrics struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Requests            int64  `json:"requests"`
	Rejected            int64  `json:"rejected"`
	Successes           int64  `json:"successes"`
	Failures            int64  `json:"failures"`
}

// Metrics returns the breaker counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	state, failures := b.state, b.failures
	b.mu.Unlock()

	return Metrics{
		Name:                b.settings.Name,
		State:               state.String(),
		ConsecutiveFailures: failures,
		Requests:            b.requests.Load(),
		Rejected:            b.rejected.Load(),
		Successes:           b.successes.Load(),
		Failures:            b.failed.Load(),
	}
}
