package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// sweepAt bounds memory: once this many keys are tracked, every key is
// pruned on the next failure.
const sweepAt = 10_000

// failureWindow is a keyed sliding-window counter of failed attempts.
// A limit <= 0 disables it.
type failureWindow struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration
}

func newFailureWindow(limit int, window time.Duration) *failureWindow {
	return &failureWindow{
		events: map[string][]time.Time{},
		limit:  limit,
		window: window,
	}
}

// Blocked reports whether key reached the limit at now and, if so, how long
// until the oldest counted failure leaves the window.
func (f *failureWindow) Blocked(key string, now time.Time) (bool, time.Duration) {
	if f == nil || f.limit <= 0 || key == "" {
		return false, 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	events := f.pruneLocked(key, now)
	if len(events) < f.limit {
		return false, 0
	}
	retry := events[len(events)-f.limit].Add(f.window).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return true, retry
}

// Fail records a failed attempt for key.
func (f *failureWindow) Fail(key string, now time.Time) {
	if f == nil || f.limit <= 0 || key == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.events) >= sweepAt {
		for k := range f.events {
			f.pruneLocked(k, now)
		}
	}
	events := f.pruneLocked(key, now)
	f.events[key] = append(events, now)
}

// Reset forgets key, e.g. after a successful login.
func (f *failureWindow) Reset(key string) {
	if f == nil || key == "" {
		return
	}
	f.mu.Lock()
	delete(f.events, key)
	f.mu.Unlock()
}

func (f *failureWindow) pruneLocked(key string, now time.Time) []time.Time {
	cut := now.Add(-f.window)
	events := f.events[key]
	dst := events[:0]
	for _, t := range events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	if len(dst) == 0 {
		delete(f.events, key)
		return nil
	}
	f.events[key] = dst
	return dst
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Round(time.Second)/time.Second), 10))
	}
	writeError(w, http.StatusTooManyRequests, "too many attempts", nil)
}
