// Package candlestore provides a bounded, time-ordered rolling window of
// closed candles. It is the leaf dependency of the indicator math: the store
// refuses duplicate or out-of-order candles so no candle is processed twice.
package candlestore

import (
	"errors"
	"fmt"

	"kdj-trader/internal/model"
)

var (
	// ErrDuplicate is returned when a candle's close time equals the last one.
	ErrDuplicate = errors.New("candle already stored")
	// ErrOutOfOrder is returned when a candle closes before the last one.
	ErrOutOfOrder = errors.New("candle out of order")
)

// Store is a fixed-capacity ring of candles ordered by close time.
// The backing slice is a power of two for bitwise modulo; the logical
// capacity is exactly what the caller asked for. Not safe for concurrent use.
type Store struct {
	buf      []model.Candle
	mask     uint64
	capacity uint64

	head uint64 // next write position
	tail uint64 // oldest retained candle

	evicted uint64
}

// New creates a store that retains at most capacity candles (minimum 1).
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	size := nextPow2(capacity)
	return &Store{
		buf:      make([]model.Candle, size),
		mask:     uint64(size - 1),
		capacity: uint64(capacity),
	}
}

// Append adds a closed candle. Once the store is full the oldest candle is
// evicted.
func (s *Store) Append(c model.Candle) error {
	if s.head > s.tail {
		last := s.buf[(s.head-1)&s.mask]
		switch {
		case c.CloseTime.Equal(last.CloseTime):
			return fmt.Errorf("%w: close_time=%s", ErrDuplicate, c.CloseTime)
		case c.CloseTime.Before(last.CloseTime):
			return fmt.Errorf("%w: close_time=%s last=%s", ErrOutOfOrder, c.CloseTime, last.CloseTime)
		}
	}

	if s.head-s.tail >= s.capacity {
		s.tail++
		s.evicted++
	}
	s.buf[s.head&s.mask] = c
	s.head++
	return nil
}

// Window returns the most recent n candles, oldest first. If fewer than n
// are stored, all of them are returned.
func (s *Store) Window(n int) []model.Candle {
	l := s.Len()
	if n > l {
		n = l
	}
	if n <= 0 {
		return nil
	}
	out := make([]model.Candle, n)
	start := s.head - uint64(n)
	for i := 0; i < n; i++ {
		out[i] = s.buf[(start+uint64(i))&s.mask]
	}
	return out
}

// Last returns the most recently appended candle.
func (s *Store) Last() (model.Candle, bool) {
	if s.head == s.tail {
		return model.Candle{}, false
	}
	return s.buf[(s.head-1)&s.mask], true
}

// Len returns the number of retained candles.
func (s *Store) Len() int {
	return int(s.head - s.tail)
}

// Cap returns the logical capacity.
func (s *Store) Cap() int {
	return int(s.capacity)
}

// Evicted returns how many candles have been dropped from the window.
func (s *Store) Evicted() uint64 {
	return s.evicted
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
