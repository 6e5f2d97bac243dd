// Package keylock provides striped read/write locks keyed by string.
package keylock

import (
	"hash/fnv"
	"sync"
)

// DefaultStripes is used when New is given a non-positive count.
const DefaultStripes = 64

// Striped maps keys onto a fixed set of RWMutexes. Two keys may share a
// stripe; a key always maps to the same one.
type Striped struct {
	locks []sync.RWMutex
}

// New creates n stripes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{locks: make([]sync.RWMutex, n)}
}

// Index returns the stripe index for key.
func (s *Striped) Index(key string) int {
	return Index(key, len(s.locks))
}

// For returns the lock guarding key.
func (s *Striped) For(key string) *sync.RWMutex {
	return &s.locks[s.Index(key)]
}

// At returns stripe i, for callers that walk every stripe.
func (s *Striped) At(i int) *sync.RWMutex {
	return &s.locks[i]
}

// Len returns the number of stripes.
func (s *Striped) Len() int {
	return len(s.locks)
}

// Index hashes key into [0, n).
func Index(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
