package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bvscope/bvscope/pkg/types"
)

// Entry is a report together with the time it was stored.
type Entry struct {
	Report   *types.Report
	StoredAt time.Time
}

// Store is a thread-safe in-memory report cache, keyed by report ID.
// A background goroutine (Run) periodically evicts entries older than the
// configured TTL. It is a cache for the presentation layer, not a database.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// TTL returns the retention period.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put stores or replaces the report for r.ID.
// Callers must not modify r after calling Put.
func (s *Store) Put(r *types.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[r.ID] = &Entry{
		Report:   r,
		StoredAt: s.now(),
	}
}

// Get returns the live report for id. Expired entries that Run has not yet
// evicted are reported as missing.
func (s *Store) Get(id string) (*types.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[id]
	if !ok || !s.live(e) {
		return nil, false
	}
	return e.Report, true
}

// List returns all live entries, newest first. Ties are broken by ID so the
// order is stable.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	out := make([]*Entry, 0, len(s.data))
	for _, e := range s.data {
		if s.live(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StoredAt.Equal(out[j].StoredAt) {
			return out[i].StoredAt.After(out[j].StoredAt)
		}
		return out[i].Report.ID < out[j].Report.ID
	})
	return out
}

// Summaries returns the short form of the newest limit live reports; limit <= 0
// means all of them.
func (s *Store) Summaries(limit int) []types.Summary {
	entries := s.List()
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]types.Summary, len(entries))
	for i, e := range entries {
		out[i] = e.Report.Summary()
	}
	return out
}

// Count returns the total number of entries currently held, including expired ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// live must be called with mu held.
func (s *Store) live(e *Entry) bool {
	return e.StoredAt.After(s.now().Add(-s.ttl))
}

// Evict removes entries whose StoredAt is older than now minus TTL.
// It returns the number of entries removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, e := range s.data {
		if !e.StoredAt.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Run starts the background TTL eviction loop. It ticks at half the TTL
// (minimum 1 second, maximum 1 minute) and blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted expired reports", "count", n)
			}
		}
	}
}
