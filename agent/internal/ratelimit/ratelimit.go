// Package ratelimit implements per-data-source admission control over sliding
// one-second and one-minute windows, with an optional token-bucket burst cap.
//
// CanMakeRequest never blocks; a false return records nothing and callers
// treat it as a retryable failure.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config caps request rates for one data source. Zero disables a cap.
type Config struct {
	RequestsPerSecond int `yaml:"requests_per_second" json:"requestsPerSecond,omitempty"`
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requestsPerMinute,omitempty"`
	Burst             int `yaml:"burst"               json:"burst,omitempty"`
}

// Stats reports the current fill of both windows.
type Stats struct {
	LastSecond int `json:"lastSecond"`
	LastMinute int `json:"lastMinute"`
	Denied     int `json:"denied"`
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg   Config
	burst *rate.Limiter

	mu     sync.Mutex
	second []time.Time
	minute []time.Time
	denied int

	now func() time.Time
}

// New returns a Limiter for cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{cfg: cfg, now: time.Now}
	if cfg.Burst > 0 && cfg.RequestsPerSecond > 0 {
		l.burst = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return l
}

// CanMakeRequest reports whether a request may be made now and, if so,
// records it against both windows.
func (l *Limiter) CanMakeRequest() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.second = prune(l.second, now.Add(-time.Second))
	l.minute = prune(l.minute, now.Add(-time.Minute))

	if l.cfg.RequestsPerSecond > 0 && len(l.second) >= l.cfg.RequestsPerSecond {
		l.denied++
		return false
	}
	if l.cfg.RequestsPerMinute > 0 && len(l.minute) >= l.cfg.RequestsPerMinute {
		l.denied++
		return false
	}
	if l.burst != nil && !l.burst.AllowN(now, 1) {
		l.denied++
		return false
	}

	l.second = append(l.second, now)
	l.minute = append(l.minute, now)
	return true
}

// Stats returns a snapshot of window usage.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.second = prune(l.second, now.Add(-time.Second))
	l.minute = prune(l.minute, now.Add(-time.Minute))
	return Stats{LastSecond: len(l.second), LastMinute: len(l.minute), Denied: l.denied}
}

// prune drops timestamps at or before cutoff. ts is ascending.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
