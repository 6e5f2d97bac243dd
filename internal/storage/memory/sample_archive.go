package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"rugshield/internal/domain"
	"rugshield/internal/storage"
)

// SampleArchive is an in-memory implementation of storage.SampleArchive.
type SampleArchive struct {
	mu   sync.RWMutex
	data map[string][]domain.Sample // keyed by token mint
}

// NewSampleArchive creates a new in-memory sample archive.
func NewSampleArchive() *SampleArchive {
	return &SampleArchive{data: make(map[string][]domain.Sample)}
}

// InsertSamples appends a batch of samples.
func (s *SampleArchive) InsertSamples(_ context.Context, samples []domain.Sample) error {
	for i := range samples {
		if samples[i].TokenMint == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, smp := range samples {
		s.data[smp.TokenMint] = append(s.data[smp.TokenMint], smp)
	}
	return nil
}

// QuerySamples retrieves samples for mint within [from, to], ordered by timestamp ASC.
func (s *SampleArchive) QuerySamples(_ context.Context, mint string, from, to time.Time) ([]domain.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Sample
	for _, smp := range s.data[mint] {
		if smp.Timestamp.Before(from) || smp.Timestamp.After(to) {
			continue
		}
		result = append(result, smp)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

var _ storage.SampleArchive = (*SampleArchive)(nil)
