package memory

import (
	"context"
	"sort"
	"sync"

	"rugshield/internal/domain"
	"rugshield/internal/storage"
)

// TargetStore is an in-memory implementation of storage.TargetStore.
type TargetStore struct {
	mu   sync.RWMutex
	data map[domain.TargetKey]*domain.MonitoringTarget
}

// NewTargetStore creates a new in-memory target store.
func NewTargetStore() *TargetStore {
	return &TargetStore{
		data: make(map[domain.TargetKey]*domain.MonitoringTarget),
	}
}

// Upsert inserts or replaces the target.
func (s *TargetStore) Upsert(_ context.Context, t *domain.MonitoringTarget) error {
	if t == nil || !t.Key().IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[t.Key()] = t.Clone()
	return nil
}

// Get retrieves a target. Returns ErrNotFound if not exists.
func (s *TargetStore) Get(_ context.Context, key domain.TargetKey) (*domain.MonitoringTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// ListActive retrieves all active targets ordered by created_at ASC.
func (s *TargetStore) ListActive(_ context.Context) ([]*domain.MonitoringTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MonitoringTarget
	for _, t := range s.data {
		if t.Active {
			result = append(result, t.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Key().String() < result[j].Key().String()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

var _ storage.TargetStore = (*TargetStore)(nil)
