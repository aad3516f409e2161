package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recordKey struct{ name, group string }

// memStore keeps records in a map. It also backs the file driver.
type memStore struct {
	mu      sync.RWMutex
	records map[recordKey]JobRecord
	closed  bool
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return newMem()
}

func newMem() *memStore {
	return &memStore{records: map[recordKey]JobRecord{}}
}

func cloneRecord(r JobRecord) JobRecord {
	if r.Data != nil {
		r.Data = r.Data.Clone()
	}
	return r
}

func (s *memStore) PutJob(_ context.Context, r JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.putLocked(r)
	return nil
}

func (s *memStore) putLocked(r JobRecord) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	s.records[recordKey{r.Name, r.Group}] = cloneRecord(r)
}

func (s *memStore) GetJob(_ context.Context, name, group string) (JobRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return JobRecord{}, false, ErrClosed
	}
	r, ok := s.records[recordKey{name, group}]
	if !ok {
		return JobRecord{}, false, nil
	}
	return cloneRecord(r), true, nil
}

func (s *memStore) DeleteJob(_ context.Context, name, group string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.deleteLocked(name, group), nil
}

func (s *memStore) deleteLocked(name, group string) bool {
	k := recordKey{name, group}
	if _, ok := s.records[k]; !ok {
		return false
	}
	delete(s.records, k)
	return true
}

func (s *memStore) ListJobs(_ context.Context) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.listLocked(), nil
}

func (s *memStore) listLocked() []JobRecord {
	out := make([]JobRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
