package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/metricflow/pkg/types"
)

// Entry is the newest value seen for a metric together with the time it was
// received.
type Entry struct {
	Value     types.MetricValue `json:"value"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Latest is a thread-safe in-memory store of the newest value per metric id.
// A background goroutine (Run) periodically evicts metrics that have not
// reported within the configured TTL.
type Latest struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// NewLatest creates a Latest store with the given TTL.
func NewLatest(ttl time.Duration) *Latest {
	return &Latest{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put records v as the newest value for v.MetricID unless a value with a
// later timestamp is already held.
func (s *Latest) Put(v types.MetricValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.data[v.MetricID]; ok && cur.Value.Timestamp.After(v.Timestamp) {
		cur.UpdatedAt = s.now()
		return
	}
	s.data[v.MetricID] = &Entry{Value: v, UpdatedAt: s.now()}
}

// PutBatch records every value of a batch.
func (s *Latest) PutBatch(values []types.MetricValue) {
	for _, v := range values {
		s.Put(v)
	}
}

// Get returns the Entry for metricID. The entry may be stale if the TTL has
// elapsed but Run has not evicted it yet.
func (s *Latest) Get(metricID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[metricID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns every entry updated within the TTL, ordered by metric id.
func (s *Latest) List() []Entry {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.UpdatedAt.After(cutoff) {
			out = append(out, *e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Value.MetricID < out[j].Value.MetricID })
	return out
}

// Count returns the number of entries held, including stale ones.
func (s *Latest) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL and
// returns how many were removed.
func (s *Latest) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Run evicts stale entries every half TTL (minimum 1 second) until ctx is
// cancelled.
func (s *Latest) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale metrics", "count", n)
			}
		}
	}
}
