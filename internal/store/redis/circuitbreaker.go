package redis

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the position of the circuit breaker.
type State int

const (
	StateClosed   State = iota // calls reach Redis
	StateOpen                  // calls rejected until the cool-down ends
	StateHalfOpen              // one probe call in flight
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned without calling Redis while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerStats is a point-in-time view of the breaker.
type BreakerStats struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// CircuitBreaker keeps a Redis outage from stalling the trading loop: after
// maxFailures consecutive failures every call fails fast for the cool-down,
// then a single probe decides whether to close again.
//
// Calls abandoned because the caller's context ended are neither failures
// nor successes.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	coolDown    time.Duration
	openedAt    time.Time
	lastFailure time.Time
	probing     bool

	now func() time.Time

	// OnStateChange runs under the breaker lock on every transition.
	OnStateChange func(from, to State)
}

func NewCircuitBreaker(maxFailures int, coolDown time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{maxFailures: maxFailures, coolDown: coolDown, now: time.Now}
}

// Do runs fn unless the breaker is open or another probe is in flight.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.release(ctx, err)
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.coolDown {
			return ErrCircuitOpen
		}
		cb.moveTo(StateHalfOpen)
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
	default:
		return nil
	}
	cb.probing = true
	return nil
}

func (cb *CircuitBreaker) release(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	wasProbe := cb.probing
	cb.probing = false

	switch {
	case err != nil && ctx.Err() != nil:
		// The caller gave up; an interrupted probe leaves the next call free to probe.
		return
	case err != nil:
		cb.failures++
		cb.lastFailure = cb.now()
		if wasProbe || cb.failures >= cb.maxFailures {
			cb.openedAt = cb.lastFailure
			cb.moveTo(StateOpen)
		}
	default:
		cb.failures = 0
		if wasProbe {
			cb.moveTo(StateClosed)
		}
	}
}

// CurrentState returns the breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{State: cb.state, Failures: cb.failures, LastFailure: cb.lastFailure}
}

func (cb *CircuitBreaker) moveTo(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
