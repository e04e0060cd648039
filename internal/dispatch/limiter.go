package dispatch

import (
	"context"
	"sync"
	"time"
)

// SenderLimiter is a sliding-window flood guard keyed by sender phone.
// The key is the normalized phone only, so a sender cannot dodge it by
// switching the number formatting.
type SenderLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewSenderLimiter allows limit messages per sender within window.
func NewSenderLimiter(limit int, window time.Duration) *SenderLimiter {
	return &SenderLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

func recentSince(times []time.Time, cutoff time.Time) []time.Time {
	var recent []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

// Allow records one message from key and reports whether it is within the
// limit. Rejected messages do not count against the window.
func (r *SenderLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := recentSince(r.requests[key], now.Add(-r.window))
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// Evict drops senders with no message inside the window.
func (r *SenderLimiter) Evict() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	for key, times := range r.requests {
		if fresh := recentSince(times, cutoff); len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}

// Start evicts idle senders once per window until ctx is done.
func (r *SenderLimiter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Evict()
			}
		}
	}()
}

func (r *SenderLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
