package commands

import (
	"sync"
	"time"
)

// RateLimiter caps the chatty LLM commands per UTC day. The counters
// are exported to the warm-state snapshot and restored on boot, so a
// restart cannot be used to dodge the limit; the day key rolls the
// counters at midnight UTC.
type RateLimiter struct {
	mu     sync.Mutex
	day    string
	counts map[string]int
	now    func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{counts: make(map[string]int), now: time.Now}
}

// Allow consumes one unit for kind when fewer than limit were used
// today. A non-positive limit disables the command entirely.
func (r *RateLimiter) Allow(kind string, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll()
	if r.counts[kind] >= limit {
		return false
	}
	r.counts[kind]++
	return true
}

// Used reports today's consumption for kind.
func (r *RateLimiter) Used(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll()
	return r.counts[kind]
}

// Snapshot returns the current day key and a copy of the counters.
func (r *RateLimiter) Snapshot() (string, map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll()
	out := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return r.day, out
}

// Restore replaces the counters with a snapshot. Snapshots from a
// different UTC day are stale and ignored.
func (r *RateLimiter) Restore(day string, counts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll()
	if day != r.day {
		return
	}
	for k, v := range counts {
		if v > r.counts[k] {
			r.counts[k] = v
		}
	}
}

func (r *RateLimiter) roll() {
	today := r.now().UTC().Format("2006-01-02")
	if today != r.day {
		r.day = today
		r.counts = make(map[string]int)
	}
}
