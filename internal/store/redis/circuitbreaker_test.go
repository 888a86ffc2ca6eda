package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests step past the cool-down without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, coolDown time.Duration) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(maxFailures, coolDown)
	cb.now = clk.now
	return cb, clk
}

var errFail = errors.New("fail")

func fail(context.Context) error    { return errFail }
func succeed(context.Context) error { return nil }

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Do(context.Background(), fail)
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	assert.Equal(t, StateClosed, cb.CurrentState())

	trip(cb, 2)
	assert.Equal(t, StateClosed, cb.CurrentState())
	trip(cb, 1)
	require.Equal(t, StateOpen, cb.CurrentState())

	ran := false
	err := cb.Do(context.Background(), func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran, "open breaker does not call through")
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		cb, clk := newTestBreaker(2, time.Second)
		trip(cb, 2)
		clk.advance(2 * time.Second)
		require.NoError(t, cb.Do(context.Background(), succeed))
		assert.Equal(t, StateClosed, cb.CurrentState())
		assert.Zero(t, cb.Stats().Failures)
	})

	t.Run("failure reopens and restarts cool-down", func(t *testing.T) {
		cb, clk := newTestBreaker(2, time.Second)
		trip(cb, 2)
		clk.advance(2 * time.Second)
		assert.ErrorIs(t, cb.Do(context.Background(), fail), errFail)
		assert.Equal(t, StateOpen, cb.CurrentState())
		assert.ErrorIs(t, cb.Do(context.Background(), succeed), ErrCircuitOpen)
	})
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	trip(cb, 1)
	clk.advance(2 * time.Second)

	var inner error
	cb.Do(context.Background(), func(ctx context.Context) error {
		inner = cb.Do(ctx, succeed)
		return nil
	})
	assert.ErrorIs(t, inner, ErrCircuitOpen, "second caller turned away while probing")
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	trip(cb, 2)
	require.NoError(t, cb.Do(context.Background(), succeed))
	trip(cb, 2)
	assert.Equal(t, StateClosed, cb.CurrentState())
	assert.Equal(t, 2, cb.Stats().Failures)
}

func TestCircuitBreaker_CancelledCallerIsNotAFailure(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.CurrentState())
	assert.Zero(t, cb.Stats().Failures)

	// An interrupted probe leaves the breaker half-open for the next caller
	trip(cb, 1)
	clk.advance(2 * time.Second)
	cb.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.Equal(t, StateHalfOpen, cb.CurrentState())
	require.NoError(t, cb.Do(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var seen []State
	cb, clk := newTestBreaker(1, time.Second)
	cb.OnStateChange = func(from, to State) { seen = append(seen, to) }

	trip(cb, 1)
	clk.advance(2 * time.Second)
	cb.Do(context.Background(), succeed)

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, seen)
	assert.Equal(t, clk.t.Add(-2*time.Second), cb.Stats().LastFailure)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
