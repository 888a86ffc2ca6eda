package execution

import (
	"testing"
	"time"
)

func TestBackoff_DoublesThenStops(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
	}
	for i, w := range want {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: schedule ended early", i+1)
		}
		if d != w {
			t.Errorf("attempt %d: delay %s, want %s", i+1, d, w)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatal("expected schedule to end after 5 attempts")
	}
	if b.Attempt() != 5 {
		t.Errorf("Attempt() = %d, want 5", b.Attempt())
	}
}

func TestBackoff_Capped(t *testing.T) {
	b := NewBackoff(BackoffConfig{MaxAttempts: 6, Base: time.Second, Max: 3 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		d, ok := b.Next()
		if !ok || d != w {
			t.Errorf("attempt %d: got (%s, %v), want (%s, true)", i+1, d, ok, w)
		}
	}
	if _, ok := b.Next(); ok {
		t.Error("expected exhaustion")
	}
}

func TestBackoff_SingleAttempt(t *testing.T) {
	b := NewBackoff(BackoffConfig{MaxAttempts: 1, Base: time.Millisecond})
	if _, ok := b.Next(); ok {
		t.Error("one attempt allows no retries")
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(BackoffConfig{MaxAttempts: 3, Base: 10 * time.Millisecond, Max: time.Second})
	b.Next()
	b.Next()
	b.Reset()
	d, ok := b.Next()
	if !ok || d != 10*time.Millisecond {
		t.Errorf("after reset: got (%s, %v)", d, ok)
	}
}
