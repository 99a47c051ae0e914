package testutil

import "sync"

// IDSequence hands out identities for fixture rows.
//
// Fixtures built from a fresh sequence always get the same identities, so
// golden traces and expected rows can name them.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type IDSequence struct {
	mu   sync.Mutex
	next int64
}

// NewIDSequence creates a sequence whose first identity is 1.
func NewIDSequence() *IDSequence {
	return &IDSequence{}
}

// Next increments and returns the next identity.
func (s *IDSequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

// Current returns the last identity handed out, or 0.
func (s *IDSequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Reset rewinds the sequence so the next identity is 1 again.
func (s *IDSequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
}
