package presence

import (
	"context"
	"sync"
)

type storeKey struct {
	userID    string
	channelID string
}

// MemoryStore is an in-process Store. It backs single-node deployments and
// tests; multi-node deployments plug a database-backed Store into the same
// interface.
type MemoryStore struct {
	mu sync.Mutex
	m  map[storeKey]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[storeKey]Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[storeKey{rec.UserID, rec.ChannelID}] = rec
	return nil
}

func (s *MemoryStore) Update(_ context.Context, userID, channelID string, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey{userID, channelID}
	rec, ok := s.m[key]
	if !ok {
		return ErrNotFound
	}
	if upd.Muted != nil {
		rec.Muted = *upd.Muted
	}
	if upd.Deafened != nil {
		rec.Deafened = *upd.Deafened
	}
	if upd.Speaking != nil {
		rec.Speaking = *upd.Speaking
	}
	if upd.ScreenSharing != nil {
		rec.ScreenSharing = *upd.ScreenSharing
	}
	s.m[key] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, storeKey{userID, channelID})
	return nil
}

// Get returns the stored record, if any. Used by tests and the stats surface.
func (s *MemoryStore) Get(userID, channelID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.m[storeKey{userID, channelID}]
	return rec, ok
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
