package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// Entry is an accepted record together with the time it was received.
type Entry struct {
	ID         string          `json:"id"`
	Record     types.Payload   `json:"record"`
	Replay     json.RawMessage `json:"replayEvents,omitempty"` // decoded replay events, if attached
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Store is a thread-safe in-memory record store keyed by record ID.
// Re-sent records (same ID) replace the earlier copy. A background
// goroutine (Run) evicts entries older than the TTL.
type Store struct {
	mu    sync.RWMutex
	data  map[string]*Entry
	order []string // IDs, oldest first
	ttl   time.Duration
	max   int
	now   func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL and capacity.
func New(ttl time.Duration, max int) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		max:  max,
		now:  time.Now,
	}
}

// TTL returns the retention period.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put stores rec and returns its ID, generating one when the record has
// none. When the store is full the oldest entry is evicted.
func (s *Store) Put(rec types.Payload, replay json.RawMessage) string {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
		rec.ID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; ok {
		s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	}
	s.data[id] = &Entry{ID: id, Record: rec, Replay: replay, ReceivedAt: s.now()}
	s.order = append(s.order, id)

	for len(s.order) > s.max {
		delete(s.data, s.order[0])
		s.order = s.order[1:]
	}
	return id
}

// Get returns the Entry for id and whether it was found. The entry may be
// stale if the TTL has elapsed.
func (s *Store) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[id]
	return e, ok
}

// List returns live entries, newest first, optionally filtered by wire
// type ("JS", "NETWORK", ...). Stale entries not yet evicted are excluded.
func (s *Store) List(kind string) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]*Entry, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.data[s.order[i]]
		if !e.ReceivedAt.After(cutoff) {
			break
		}
		if kind != "" && e.Record.Type != kind {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Count returns the total number of entries held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries received at or before now minus TTL and returns the
// number removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for len(s.order) > 0 {
		e := s.data[s.order[0]]
		if e.ReceivedAt.After(cutoff) {
			break
		}
		delete(s.data, s.order[0])
		s.order = s.order[1:]
		removed++
	}
	return removed
}

// Run starts the background TTL eviction loop. It ticks at half the TTL
// (minimum 1 second) and blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
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
				slog.Debug("store: evicted stale records", "count", n)
			}
		}
	}
}
