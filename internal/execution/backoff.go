package execution

import "time"

// BackoffConfig bounds the retry schedule for transient submit failures.
type BackoffConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Base        time.Duration `json:"base" yaml:"base"`
	Max         time.Duration `json:"max" yaml:"max"`
}

// DefaultBackoffConfig returns 5 attempts with delays 500ms, 1s, 2s, 4s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts: 5,
		Base:        500 * time.Millisecond,
		Max:         8 * time.Second,
	}
}

// Backoff is a bounded exponential retry schedule. One Backoff serves a
// single order submission; it is not safe for concurrent use.
//
// Attempts are counted, not timed: the caller makes an attempt, and on a
// retryable failure asks Next how long to wait before the following one.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
}

// NewBackoff creates a schedule. Zero fields fall back to the defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	return &Backoff{cfg: cfg}
}

// Next records a failed attempt and returns the delay before the next one.
// ok is false once MaxAttempts attempts have been made.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.attempt++
	if b.attempt >= b.cfg.MaxAttempts {
		return 0, false
	}
	delay = b.cfg.Base
	for i := 1; i < b.attempt; i++ {
		delay *= 2
		if delay >= b.cfg.Max {
			return b.cfg.Max, true
		}
	}
	return delay, true
}

// Attempt returns the number of failed attempts recorded so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset starts the schedule over.
func (b *Backoff) Reset() {
	b.attempt = 0
}
