package guard

import (
	"testing"
	"time"
)

func TestRateLimiterAdmitsUpToMax(t *testing.T) {
	r := NewRateLimiter(time.Minute, 10)
	now := time.Now()

	admitted := 0
	for i := 0; i < 11; i++ {
		if r.Admit("sender", now.Add(time.Duration(i)*time.Second)) {
			admitted++
		}
	}
	if admitted != 10 {
		t.Errorf("admitted %d messages, want 10", admitted)
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	r := NewRateLimiter(time.Minute, 2)
	now := time.Now()

	if !r.Admit("sender", now) || !r.Admit("sender", now.Add(time.Second)) {
		t.Fatal("first two messages should be admitted")
	}
	if r.Admit("sender", now.Add(2*time.Second)) {
		t.Fatal("third message inside the window should be rejected")
	}
	// First admit has aged out of the window.
	if !r.Admit("sender", now.Add(61*time.Second)) {
		t.Error("message after window expiry should be admitted")
	}
}

func TestRateLimiterRejectionRecordsNothing(t *testing.T) {
	r := NewRateLimiter(time.Minute, 1)
	now := time.Now()

	r.Admit("sender", now)
	for i := 0; i < 100; i++ {
		r.Admit("sender", now.Add(time.Duration(i)*time.Millisecond))
	}
	// The single real admit expires; the rejected burst must not extend it.
	if !r.Admit("sender", now.Add(61*time.Second)) {
		t.Error("rejections must not count against the window")
	}
}

func TestRateLimiterIsolatesSenders(t *testing.T) {
	r := NewRateLimiter(time.Minute, 1)
	now := time.Now()

	if !r.Admit("a", now) {
		t.Fatal("sender a should be admitted")
	}
	if !r.Admit("b", now) {
		t.Error("sender b must have an independent window")
	}
}

func TestRateLimiterSetLimits(t *testing.T) {
	r := NewRateLimiter(time.Minute, 1)
	now := time.Now()

	r.Admit("sender", now)
	if r.Admit("sender", now.Add(time.Second)) {
		t.Fatal("second message should be rejected at max=1")
	}

	r.SetLimits(time.Minute, 5)
	if !r.Admit("sender", now.Add(2*time.Second)) {
		t.Error("raised limit should take effect immediately")
	}
}

func TestRateLimiterSweep(t *testing.T) {
	r := NewRateLimiter(time.Minute, 10)
	now := time.Now()

	r.Admit("old", now.Add(-2*time.Hour))
	r.Admit("fresh", now)

	if removed := r.Sweep(now.Add(-time.Hour)); removed != 1 {
		t.Errorf("Sweep removed %d windows, want 1", removed)
	}
	if r.Tracked() != 1 {
		t.Errorf("Tracked() = %d after sweep, want 1", r.Tracked())
	}
}
