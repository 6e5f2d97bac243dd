package memory

import (
	"context"
	"sort"
	"sync"

	"rugshield/internal/domain"
	"rugshield/internal/storage"
)

// ExecutionStore is an in-memory implementation of storage.ExecutionStore.
// A single mutex makes CreateIfNoActive an atomic check-and-insert.
type ExecutionStore struct {
	mu     sync.RWMutex
	data   map[string]*domain.ExecutionRecord // keyed by ID
	active map[domain.TargetKey]string        // target -> non-terminal record ID
	byKey  map[domain.TargetKey][]string      // target -> record IDs in insert order
}

// NewExecutionStore creates a new in-memory execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		data:   make(map[string]*domain.ExecutionRecord),
		active: make(map[domain.TargetKey]string),
		byKey:  make(map[domain.TargetKey][]string),
	}
}

// CreateIfNoActive inserts r unless the target has a non-terminal record.
func (s *ExecutionStore) CreateIfNoActive(_ context.Context, r *domain.ExecutionRecord) error {
	if r == nil || r.ID == "" || !r.Key().IsValid() || !r.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	key := r.Key()
	if !r.Status.IsTerminal() {
		if _, busy := s.active[key]; busy {
			return storage.ErrDuplicateKey
		}
		s.active[key] = r.ID
	}
	s.data[r.ID] = r.Clone()
	s.byKey[key] = append(s.byKey[key], r.ID)
	return nil
}

// Get retrieves a record by ID. Returns ErrNotFound if not exists.
func (s *ExecutionStore) Get(_ context.Context, id string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

// GetActive retrieves the non-terminal record of a target.
func (s *ExecutionStore) GetActive(_ context.Context, key domain.TargetKey) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.data[id].Clone(), nil
}

// CompareAndSwap replaces the record if its stored status equals expected.
func (s *ExecutionStore) CompareAndSwap(_ context.Context, expected domain.ExecutionStatus, r *domain.ExecutionRecord) error {
	if r == nil || r.ID == "" || !r.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.data[r.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Status != expected {
		return storage.ErrStatusConflict
	}
	if cur.Key() != r.Key() {
		return storage.ErrInvalidInput
	}

	s.data[r.ID] = r.Clone()
	if r.Status.IsTerminal() {
		delete(s.active, r.Key())
	}
	return nil
}

// ListByTarget retrieves up to limit records of a target, newest first.
func (s *ExecutionStore) ListByTarget(_ context.Context, key domain.TargetKey, limit int) ([]*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byKey[key]
	result := make([]*domain.ExecutionRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, s.data[ids[i]].Clone())
	}
	return result, nil
}

// ListActive retrieves every non-terminal record ordered by created_at ASC.
func (s *ExecutionStore) ListActive(_ context.Context) ([]*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ExecutionRecord, 0, len(s.active))
	for _, id := range s.active {
		result = append(result, s.data[id].Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

var _ storage.ExecutionStore = (*ExecutionStore)(nil)
