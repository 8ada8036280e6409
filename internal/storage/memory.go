package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	history     map[string][]IterationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.history = make(map[string][]IterationRecord)
	return nil
}

func (s *MemoryStore) Append(_ context.Context, rec IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	rec.Candidate = rec.Candidate.Clone()
	s.history[rec.RunID] = append(s.history[rec.RunID], rec)
	return nil
}

func (s *MemoryStore) History(_ context.Context, runID string) ([]IterationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	records := append([]IterationRecord(nil), s.history[runID]...)
	sortRecords(records)
	return records, nil
}

func (s *MemoryStore) Runs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	runs := make([]string, 0, len(s.history))
	for id := range s.history {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return runs, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
