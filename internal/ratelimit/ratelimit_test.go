package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fixedClock returns a limiter whose clock is controlled by the returned advance func.
func fixedClock(w *SlidingWindow, start time.Time) func(d time.Duration) {
	current := start
	w.now = func() time.Time { return current }
	return func(d time.Duration) { current = current.Add(d) }
}

func TestAllowAdmitsUpToLimit(t *testing.T) {
	w := NewSlidingWindow(3, time.Minute)
	fixedClock(w, time.Unix(1700000000, 0))

	for i := 0; i < 3; i++ {
		if !w.Allow() {
			t.Fatalf("call %d: expected admission", i)
		}
	}

	if w.Allow() {
		t.Fatal("expected denial at capacity")
	}
}

func TestAllowAdmitsAgainAfterWindowExpires(t *testing.T) {
	w := NewSlidingWindow(2, time.Minute)
	advance := fixedClock(w, time.Unix(1700000000, 0))

	if !w.Allow() || !w.Allow() {
		t.Fatal("expected initial admissions")
	}
	if w.Allow() {
		t.Fatal("expected denial at capacity")
	}

	advance(time.Minute + time.Millisecond)

	if !w.Allow() {
		t.Fatal("expected admission after window expired")
	}
}

func TestDenialDoesNotConsumeASlot(t *testing.T) {
	w := NewSlidingWindow(2, time.Minute)
	advance := fixedClock(w, time.Unix(1700000000, 0))

	w.Allow()
	w.Allow()

	// Hammer the limiter while full; none of these may extend the window.
	for i := 0; i < 10; i++ {
		if w.Allow() {
			t.Fatalf("denied call %d admitted", i)
		}
	}

	advance(time.Minute + time.Millisecond)

	// Both original slots aged out together, so the full budget is available.
	if !w.Allow() {
		t.Fatal("expected first slot after expiry")
	}
	if !w.Allow() {
		t.Fatal("expected second slot after expiry")
	}
}

func TestNeverExceedsBudgetInAnyTrailingWindow(t *testing.T) {
	const (
		maxRequests = 5
		window      = 10 * time.Second
	)

	w := NewSlidingWindow(maxRequests, window)
	start := time.Unix(1700000000, 0)
	current := start
	w.now = func() time.Time { return current }

	var admitted []time.Time
	// Call at irregular intervals for ~2 minutes of simulated time.
	steps := []time.Duration{
		0, 100 * time.Millisecond, 900 * time.Millisecond, 0, 250 * time.Millisecond,
		3 * time.Second, 0, 0, 1 * time.Second, 5 * time.Second,
		500 * time.Millisecond, 500 * time.Millisecond, 9 * time.Second, 0, 0,
		0, 0, 0, 30 * time.Second, 0,
	}
	for round := 0; round < 6; round++ {
		for _, step := range steps {
			current = current.Add(step)
			if w.Allow() {
				admitted = append(admitted, current)
			}
		}
	}

	for i, ts := range admitted {
		count := 0
		for _, other := range admitted {
			if !other.After(ts) && other.After(ts.Add(-window)) {
				count++
			}
		}
		if count > maxRequests {
			t.Fatalf("admission %d at %v: %d admitted within trailing window, budget is %d",
				i, ts, count, maxRequests)
		}
	}
}

func TestTimeUntilNext(t *testing.T) {
	w := NewSlidingWindow(2, time.Minute)
	advance := fixedClock(w, time.Unix(1700000000, 0))

	if got := w.TimeUntilNext(); got != 0 {
		t.Fatalf("empty window: expected 0, got %v", got)
	}

	w.Allow()
	if got := w.TimeUntilNext(); got != 0 {
		t.Fatalf("below capacity: expected 0, got %v", got)
	}

	w.Allow()
	if got := w.TimeUntilNext(); got != time.Minute {
		t.Fatalf("at capacity: expected %v, got %v", time.Minute, got)
	}

	advance(40 * time.Second)
	if got := w.TimeUntilNext(); got != 20*time.Second {
		t.Fatalf("after 40s: expected %v, got %v", 20*time.Second, got)
	}

	advance(20*time.Second + time.Millisecond)
	if got := w.TimeUntilNext(); got != 0 {
		t.Fatalf("after expiry: expected 0, got %v", got)
	}
}

func TestInWindowTracksPrunedCount(t *testing.T) {
	w := NewSlidingWindow(3, time.Minute)
	advance := fixedClock(w, time.Unix(1700000000, 0))

	w.Allow()
	w.Allow()
	if got := w.InWindow(); got != 2 {
		t.Fatalf("expected 2 in window, got %d", got)
	}

	advance(2 * time.Minute)
	if got := w.InWindow(); got != 0 {
		t.Fatalf("expected 0 after expiry, got %d", got)
	}
}

func TestConcurrentAllowStaysWithinBudget(t *testing.T) {
	const maxRequests = 8
	w := NewSlidingWindow(maxRequests, time.Hour)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Allow() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != maxRequests {
		t.Fatalf("expected exactly %d admissions, got %d", maxRequests, admitted)
	}
}
