package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scrapewatch/internal/listing"
	logx "scrapewatch/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps state in memory and persists every mutation.
//
// Files:
//   - <prefix>.snapshot.json  (compacted state)
//   - <prefix>.journal.jsonl  (append-only mutations since the snapshot)
//   - <prefix>.audit.jsonl    (append-only audit log, never compacted)
type fileStore struct {
	log logx.Logger
	mem *memStore

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	audit        *os.File
	writes       int
}

type journalRecord struct {
	Op      string           `json:"op"`
	Listing *listing.Listing `json:"listing,omitempty"`
	Run     *listing.Run     `json:"run,omitempty"`
	Key     string           `json:"key,omitempty"`
	At      time.Time        `json:"at,omitzero"`
}

const (
	opListing = "listing"
	opRun     = "run"
	opMark    = "mark"
	opUnmark  = "unmark"
)

type fileSnapshot struct {
	Listings []listing.Listing   `json:"listings"`
	LastRuns []listing.Run       `json:"last_runs"`
	Marks    map[string]time.Time `json:"marks"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		mem:          newMemStore(),
		snapshotPath: prefix + ".snapshot.json",
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable, starting from journal", logx.Err(err))
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.audit = af
	return s, nil
}

func (s *fileStore) UpsertListings(ctx context.Context, items []listing.Listing) (int, error) {
	items = writable(items)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range items {
		if err := s.appendLocked(journalRecord{Op: opListing, Listing: &items[i]}); err != nil {
			return 0, err
		}
	}
	return s.mem.UpsertListings(ctx, items)
}

func (s *fileStore) Listings(ctx context.Context, source string, limit int) ([]listing.Listing, error) {
	return s.mem.Listings(ctx, source, limit)
}

func (s *fileStore) RecordRun(ctx context.Context, run listing.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opRun, Run: &run}); err != nil {
		return err
	}
	return s.mem.RecordRun(ctx, run)
}

func (s *fileStore) LastRun(ctx context.Context, source string) (listing.Run, bool, error) {
	return s.mem.LastRun(ctx, source)
}

func (s *fileStore) PutAlertMark(ctx context.Context, key string, at time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opMark, Key: key, At: at}); err != nil {
		return err
	}
	return s.mem.PutAlertMark(ctx, key, at)
}

func (s *fileStore) GetAlertMark(ctx context.Context, key string) (time.Time, bool, error) {
	return s.mem.GetAlertMark(ctx, key)
}

func (s *fileStore) DeleteAlertMark(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if _, ok, _ := s.mem.GetAlertMark(ctx, key); !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opUnmark, Key: key}); err != nil {
		return err
	}
	return s.mem.DeleteAlertMark(ctx, key)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.audit).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
		s.audit = nil
	}
	_ = s.mem.Close()
	return errors.Join(errs...)
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the in-memory state to the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	m := s.mem
	m.mu.Lock()
	snap := fileSnapshot{
		Listings: make([]listing.Listing, 0, len(m.listings)),
		LastRuns: make([]listing.Run, 0, len(m.lastRun)),
		Marks:    make(map[string]time.Time, len(m.marks)),
	}
	for _, it := range m.listings {
		snap.Listings = append(snap.Listings, it)
	}
	for _, r := range m.lastRun {
		snap.LastRuns = append(snap.LastRuns, r)
	}
	for k, v := range m.marks {
		snap.Marks[k] = v
	}
	m.mu.Unlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, it := range snap.Listings {
		s.mem.listings[it.Key()] = it
	}
	for _, r := range snap.LastRuns {
		s.mem.lastRun[r.Source] = r
	}
	for k, v := range snap.Marks {
		s.mem.marks[k] = v
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	m := s.mem
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opListing:
			if r.Listing != nil {
				m.listings[r.Listing.Key()] = *r.Listing
			}
		case opRun:
			if r.Run != nil {
				m.applyRunLocked(*r.Run)
			}
		case opMark:
			m.marks[r.Key] = r.At
		case opUnmark:
			delete(m.marks, r.Key)
		}
	}
	return sc.Err()
}
