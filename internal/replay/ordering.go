package replay

import (
	"sort"

	"rugshield/internal/domain"
)

// SortSamples orders samples by (timestamp ASC, source ASC).
// Source breaks ties between a poll and a pool event observed at the same instant.
func SortSamples(samples []domain.Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return compareSamples(samples[i], samples[j]) < 0
	})
}

// compareSamples returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
func compareSamples(a, b domain.Sample) int {
	if !a.Timestamp.Equal(b.Timestamp) {
		if a.Timestamp.Before(b.Timestamp) {
			return -1
		}
		return 1
	}
	if a.Source != b.Source {
		if a.Source < b.Source {
			return -1
		}
		return 1
	}
	return 0
}
