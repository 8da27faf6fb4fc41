// Package stats accumulates hunt attempt statistics shared by all workers.
package stats

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/screa/ip-hunter/pkg/types"
)

// PersistenceError reports a failed write or read of the statistics file.
// It is never fatal to a hunt.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("statistics %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Snapshot is an immutable copy of the statistics, also the persisted schema.
// Unknown fields are ignored on load so the schema can grow.
type Snapshot struct {
	TotalAttempts  uint64                   `json:"total_attempts"`
	AddressCounts  map[string]uint64        `json:"ip_addresses"`
	DuplicateCount uint64                   `json:"duplicate_count"`
	Outcomes       map[types.Outcome]uint64 `json:"outcomes,omitempty"`
	Orphans        []string                 `json:"orphans,omitempty"`
	StartedAt      time.Time                `json:"start_time"`
	StoppedAt      time.Time                `json:"stop_time,omitzero"`
	LastUpdate     time.Time                `json:"last_update"`
}

// AddressCount pairs an address with the number of times it was handed out
type AddressCount struct {
	Address string
	Count   uint64
}

// UniqueAddresses is the number of distinct addresses seen
func (s Snapshot) UniqueAddresses() int {
	return len(s.AddressCounts)
}

// Top returns up to n addresses ordered by count, then address
func (s Snapshot) Top(n int) []AddressCount {
	return topOf(s.AddressCounts, n, 1)
}

// Duplicates returns up to n addresses seen more than once; n <= 0 returns all
func (s Snapshot) Duplicates(n int) []AddressCount {
	return topOf(s.AddressCounts, n, 2)
}

// Runtime is the elapsed hunt time, up to now for a running hunt
func (s Snapshot) Runtime(now time.Time) time.Duration {
	end := s.StoppedAt
	if end.IsZero() {
		end = now
	}
	if s.StartedAt.IsZero() || end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

func topOf(counts map[string]uint64, n int, minCount uint64) []AddressCount {
	out := make([]AddressCount, 0, len(counts))
	for addr, c := range counts {
		if c >= minCount {
			out = append(out, AddressCount{Address: addr, Count: c})
		}
	}
	slices.SortFunc(out, func(a, b AddressCount) int {
		if a.Count != b.Count {
			if a.Count > b.Count {
				return -1
			}
			return 1
		}
		if a.Address < b.Address {
			return -1
		}
		if a.Address > b.Address {
			return 1
		}
		return 0
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Store is safe for concurrent writers. Every Record call is counted exactly once.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewStore creates an empty store whose run started at startedAt
func NewStore(startedAt time.Time) *Store {
	return &Store{
		snap: Snapshot{
			AddressCounts: make(map[string]uint64),
			Outcomes:      make(map[types.Outcome]uint64),
			StartedAt:     startedAt,
			LastUpdate:    startedAt,
		},
		now: time.Now,
	}
}

// NewStoreFrom resumes counting from a previously persisted snapshot
func NewStoreFrom(prev Snapshot) *Store {
	s := NewStore(prev.StartedAt)
	s.snap.TotalAttempts = prev.TotalAttempts
	maps.Copy(s.snap.AddressCounts, prev.AddressCounts)
	maps.Copy(s.snap.Outcomes, prev.Outcomes)
	s.snap.Orphans = slices.Clone(prev.Orphans)
	s.snap.DuplicateCount = duplicatesOf(s.snap.AddressCounts)
	s.snap.LastUpdate = prev.LastUpdate
	return s
}

// Record counts one attempt and every address it saw
func (s *Store) Record(rec types.AttemptRecord) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.TotalAttempts++
	s.snap.Outcomes[rec.Outcome]++
	for _, addr := range rec.Addresses {
		s.snap.AddressCounts[addr]++
		if s.snap.AddressCounts[addr] > 1 {
			s.snap.DuplicateCount++
		}
	}
	if rec.Timestamp.After(s.snap.LastUpdate) {
		s.snap.LastUpdate = rec.Timestamp
	}
	return s.snap.TotalAttempts
}

// MarkOrphan remembers a resource whose release failed
func (s *Store) MarkOrphan(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.snap.Orphans, resourceID) {
		s.snap.Orphans = append(s.snap.Orphans, resourceID)
	}
}

// ClearOrphan forgets a resource that was released after all
func (s *Store) ClearOrphan(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Orphans = slices.DeleteFunc(s.snap.Orphans, func(id string) bool { return id == resourceID })
}

// Stop freezes the stop timestamp
func (s *Store) Stop(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.StoppedAt = at
}

// Total returns the number of recorded attempts
func (s *Store) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.TotalAttempts
}

// Snapshot returns a deep copy; writers are only blocked for the copy
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.snap
	out.AddressCounts = maps.Clone(s.snap.AddressCounts)
	out.Outcomes = maps.Clone(s.snap.Outcomes)
	out.Orphans = slices.Clone(s.snap.Orphans)
	return out
}

// Persist writes the current snapshot as JSON, replacing path atomically
func (s *Store) Persist(path string) error {
	snap := s.Snapshot()
	if snap.LastUpdate.IsZero() || snap.LastUpdate.Before(s.now()) {
		snap.LastUpdate = s.now()
	}
	return Save(path, snap)
}

// Save writes snap to path through a temp file and rename
func Save(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &PersistenceError{Path: path, Err: fmt.Errorf("marshal: %w", err)}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".stats-*.json")
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return &PersistenceError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	return nil
}

// Load reads a persisted snapshot for audit or resumption
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, &PersistenceError{Path: path, Err: err}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, &PersistenceError{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}
	if snap.AddressCounts == nil {
		snap.AddressCounts = make(map[string]uint64)
	}
	// older files may lack the derived count
	snap.DuplicateCount = duplicatesOf(snap.AddressCounts)
	return snap, nil
}

func duplicatesOf(counts map[string]uint64) uint64 {
	var d uint64
	for _, c := range counts {
		if c > 1 {
			d += c - 1
		}
	}
	return d
}
