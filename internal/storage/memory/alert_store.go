package memory

import (
	"context"
	"sync"

	"rugshield/internal/domain"
	"rugshield/internal/storage"
)

// AlertStore is an in-memory implementation of storage.AlertStore.
type AlertStore struct {
	mu     sync.RWMutex
	ids    map[string]struct{}
	alerts []domain.Alert // insert order
}

// NewAlertStore creates a new in-memory alert store.
func NewAlertStore() *AlertStore {
	return &AlertStore{ids: make(map[string]struct{})}
}

// Insert adds an alert. Returns ErrDuplicateKey if the ID exists.
func (s *AlertStore) Insert(_ context.Context, a *domain.Alert) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[a.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.ids[a.ID] = struct{}{}
	s.alerts = append(s.alerts, *a)
	return nil
}

// List retrieves up to limit alerts, newest first.
func (s *AlertStore) List(_ context.Context, limit int) ([]*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Alert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		a := s.alerts[i]
		result = append(result, &a)
	}
	return result, nil
}

var _ storage.AlertStore = (*AlertStore)(nil)
