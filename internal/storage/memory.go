package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"scrapewatch/internal/listing"
)

const memAuditMax = 1000

type memStore struct {
	mu       sync.Mutex
	closed   bool
	listings map[string]listing.Listing
	lastRun  map[string]listing.Run
	marks    map[string]time.Time
	audit    []AuditEntry
}

// NewMemory returns a process-local Store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		listings: map[string]listing.Listing{},
		lastRun:  map[string]listing.Run{},
		marks:    map[string]time.Time{},
	}
}

func (s *memStore) UpsertListings(_ context.Context, items []listing.Listing) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, it := range writable(items) {
		s.listings[it.Key()] = it
		n++
	}
	return n, nil
}

func (s *memStore) Listings(_ context.Context, source string, limit int) ([]listing.Listing, error) {
	s.mu.Lock()
	out := make([]listing.Listing, 0, len(s.listings))
	for _, it := range s.listings {
		if source == "" || strings.EqualFold(it.Source, source) {
			out = append(out, it)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScrapedAt.Equal(out[j].ScrapedAt) {
			return out[i].ScrapedAt.After(out[j].ScrapedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) RecordRun(_ context.Context, run listing.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.applyRunLocked(run)
	return nil
}

func (s *memStore) applyRunLocked(run listing.Run) {
	if run.Status != listing.RunSuccess {
		return
	}
	if prev, ok := s.lastRun[run.Source]; ok && prev.FinishedAt.After(run.FinishedAt) {
		return
	}
	s.lastRun[run.Source] = run
}

func (s *memStore) LastRun(_ context.Context, source string) (listing.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lastRun[source]
	return r, ok, nil
}

func (s *memStore) PutAlertMark(_ context.Context, key string, at time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.marks[key] = at
	return nil
}

func (s *memStore) GetAlertMark(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.marks[strings.TrimSpace(key)]
	return at, ok, nil
}

func (s *memStore) DeleteAlertMark(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, strings.TrimSpace(key))
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	if n := len(s.audit) - memAuditMax; n > 0 {
		s.audit = append(s.audit[:0], s.audit[n:]...)
	}
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
