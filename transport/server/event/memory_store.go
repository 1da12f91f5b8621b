package event

import (
	"context"
	"sync"
)

// DefaultStreamCapacity bounds how many events a stream retains in memory.
const DefaultStreamCapacity = 1024

type streamKey struct {
	sessionID string
	streamID  uint64
}

type storedEvent struct {
	index uint64
	data  []byte
}

type streamLog struct {
	events []storedEvent
	next   uint64
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for development and tests. Each stream
// keeps at most capacity events; older events are dropped first, so a client
// resuming too far back misses them.
type MemoryStore struct {
	mux      sync.RWMutex
	streams  map[streamKey]*streamLog
	capacity int
}

// NewMemoryStore creates a MemoryStore with the given per-stream capacity;
// zero or negative capacity falls back to DefaultStreamCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	return &MemoryStore{
		streams:  map[streamKey]*streamLog{},
		capacity: capacity,
	}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, streamID uint64, data []byte) (uint64, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	key := streamKey{sessionID: sessionID, streamID: streamID}
	log := s.streams[key]
	if log == nil {
		log = &streamLog{}
		s.streams[key] = log
	}
	log.next++
	stored := storedEvent{index: log.next, data: append([]byte(nil), data...)}
	log.events = append(log.events, stored)
	if len(log.events) > s.capacity {
		log.events = log.events[len(log.events)-s.capacity:]
	}
	return stored.index, nil
}

func (s *MemoryStore) Replay(_ context.Context, sessionID string, streamID uint64, after uint64, sink func(index uint64, data []byte) error) error {
	s.mux.RLock()
	log := s.streams[streamKey{sessionID: sessionID, streamID: streamID}]
	var pending []storedEvent
	if log != nil {
		for _, stored := range log.events {
			if stored.index > after {
				pending = append(pending, stored)
			}
		}
	}
	s.mux.RUnlock()
	for _, stored := range pending {
		if err := sink(stored.index, stored.data); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Trim(_ context.Context, sessionID string, streamID uint64, upTo uint64) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	key := streamKey{sessionID: sessionID, streamID: streamID}
	log := s.streams[key]
	if log == nil {
		return nil
	}
	kept := log.events[:0]
	for _, stored := range log.events {
		if stored.index > upTo {
			kept = append(kept, stored)
		}
	}
	log.events = kept
	if len(log.events) == 0 && log.next <= upTo {
		delete(s.streams, key)
	}
	return nil
}
