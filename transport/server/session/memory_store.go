package session

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for development and tests. Records expire
// after ttl of inactivity; zero ttl keeps them until deleted.
type MemoryStore struct {
	mux     sync.RWMutex
	records map[string]*Record
	ttl     time.Duration
}

// NewMemoryStore creates a MemoryStore with the given idle ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{records: map[string]*Record{}, ttl: ttl}
}

func (s *MemoryStore) Put(_ context.Context, record *Record) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastActivity.IsZero() {
		record.LastActivity = now
	}
	s.records[record.ID] = cloneRecord(record)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mux.RLock()
	record, ok := s.records[id]
	s.mux.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(record, time.Now()) {
		_ = s.Delete(context.Background(), id)
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.Get(ctx, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil
	}
	record.LastActivity = at
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) expired(record *Record, now time.Time) bool {
	if s.ttl <= 0 {
		return false
	}
	return now.After(record.LastActivity.Add(s.ttl))
}

func cloneRecord(record *Record) *Record {
	if record == nil {
		return nil
	}
	dup := *record
	if record.Meta != nil {
		dup.Meta = map[string]string{}
		for k, v := range record.Meta {
			dup.Meta[k] = v
		}
	}
	return &dup
}
