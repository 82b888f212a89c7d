package licensestore

import (
	"context"
	"sync"
	"time"
)

// MemStore is a map-backed Store. One writer at a time per record, enforced
// by a single mutex.
type MemStore struct {
	mu      sync.RWMutex
	byID    map[string]*Record
	idByKey map[string]string
}

// NewMemStore creates an empty in-memory license store.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:    make(map[string]*Record),
		idByKey: make(map[string]string),
	}
}

// Get returns the record with the given id.
func (s *MemStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// GetByKey returns the record with the given license key.
func (s *MemStore) GetByKey(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idByKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

// Put inserts or replaces a record.
func (s *MemStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := rec.Clone()
	stored.UpdatedAt = time.Now().UTC()
	if prev, ok := s.byID[stored.ID]; ok && prev.Key != stored.Key {
		delete(s.idByKey, prev.Key)
	}
	s.byID[stored.ID] = stored
	s.idByKey[stored.Key] = stored.ID
	return nil
}

// SetStatus updates only the status of a record.
func (s *MemStore) SetStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SetExpiry updates only the expiry of a record.
func (s *MemStore) SetExpiry(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.ExpiresAt = expiresAt
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns all records.
func (s *MemStore) List(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, rec.Clone())
	}
	return out, nil
}
