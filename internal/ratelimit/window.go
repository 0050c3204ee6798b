package ratelimit

import (
	"sync"
	"time"
)

// hits holds request timestamps per key within a sliding span.
type hits map[string][]time.Time

// recent returns the timestamps for key newer than now-span, dropping the
// rest from the map.
func (h hits) recent(key string, now time.Time, span time.Duration) []time.Time {
	times := h[key]
	cutoff := now.Add(-span)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		times = append(times[:0:0], times[i:]...)
		if len(times) == 0 {
			delete(h, key)
		} else {
			h[key] = times
		}
	}
	return times
}

func (h hits) record(key string, now time.Time) {
	h[key] = append(h[key], now)
}

// prune drops expired timestamps for every key and returns how many keys
// remain.
func (h hits) prune(now time.Time, span time.Duration) int {
	for key := range h {
		h.recent(key, now, span)
	}
	return len(h)
}

// Result is the outcome of one counted hit.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Window is a keyed sliding-window counter: at most limit hits per key in any
// span.
type Window struct {
	mu    sync.Mutex
	limit int
	span  time.Duration
	hits  hits
	now   func() time.Time
}

// NewWindow creates a sliding window allowing limit hits per span.
func NewWindow(limit int, span time.Duration) *Window {
	return newWindow(limit, span, time.Now)
}

func newWindow(limit int, span time.Duration, now func() time.Time) *Window {
	return &Window{
		limit: limit,
		span:  span,
		hits:  make(hits),
		now:   now,
	}
}

// Allow records a hit for key if it is under the limit. A rejected hit is not
// recorded and carries how long until the oldest hit leaves the window.
func (w *Window) Allow(key string) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	recent := w.hits.recent(key, now, w.span)
	if len(recent) >= w.limit {
		return Result{RetryAfter: recent[0].Add(w.span).Sub(now)}
	}
	w.hits.record(key, now)
	return Result{Allowed: true, Remaining: w.limit - len(recent) - 1}
}

// Prune drops expired hits and returns the number of tracked keys.
func (w *Window) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hits.prune(w.now(), w.span)
}
