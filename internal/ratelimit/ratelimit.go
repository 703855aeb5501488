/**
 * Sliding-Window Admission Control for OCRGateway Worker
 *
 * Hard-caps how many OCR requests the worker sends per trailing time window.
 * This is local admission control, independent of whatever limits the remote
 * provider enforces on its side.
 */

package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow admits at most maxRequests calls per trailing window.
// It tracks the timestamps of admitted calls and prunes them as they age out;
// it is a fixed-size sliding window, not a token bucket, so bursts inside the
// window are not smoothed, only capped.
type SlidingWindow struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	stamps      []time.Time
	now         func() time.Time
}

// NewSlidingWindow creates a limiter admitting maxRequests per window.
func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Millisecond
	}
	return &SlidingWindow{
		maxRequests: maxRequests,
		window:      window,
		stamps:      make([]time.Time, 0, maxRequests),
		now:         time.Now,
	}
}

// Allow reports whether a request may proceed right now. When it returns true
// the current timestamp has already been recorded as consumed; denial mutates
// nothing beyond pruning expired timestamps.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if len(w.stamps) >= w.maxRequests {
		return false
	}

	w.stamps = append(w.stamps, now)
	return true
}

// TimeUntilNext reports how long until the oldest admitted timestamp ages out
// of the window, or zero if admission is currently possible.
func (w *SlidingWindow) TimeUntilNext() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if len(w.stamps) < w.maxRequests {
		return 0
	}

	return w.stamps[0].Add(w.window).Sub(now)
}

// InWindow returns how many admitted timestamps currently fall inside the
// trailing window. Used by worker stats reporting.
func (w *SlidingWindow) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.now())
	return len(w.stamps)
}

// prune drops timestamps that have aged out. Caller must hold the lock;
// prune-then-append under one lock acquisition is what keeps concurrent
// callers from admitting more than maxRequests per window.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
