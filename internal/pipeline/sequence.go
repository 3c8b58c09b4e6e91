package pipeline

import "sync"

// Sequencer orders overlapping fetches so that only the most recently
// started one may publish its result. A slow response that resolves after a
// newer request was issued is dropped instead of overwriting newer data.
type Sequencer struct {
	mu     sync.Mutex
	issued uint64
}

// Next reserves a sequence number for a fetch about to start.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	return s.issued
}

// Current reports whether seq is still the latest issued sequence number.
func (s *Sequencer) Current(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq == s.issued
}
