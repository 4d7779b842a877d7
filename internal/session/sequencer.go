package session

import "sync"

// Sequencer issues session ids. Ids start at 1 and increase by one per call
// with no gaps or repeats for the lifetime of the process. The sequence is not
// persisted, so a restart begins again at 1.
type Sequencer struct {
	mu   sync.Mutex
	last uint64
}

// NewSequencer creates a sequencer whose first id is 1.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next returns the next session id. Safe for concurrent use.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return s.last
}

// Last returns the most recently issued id, or 0 if none was issued yet.
func (s *Sequencer) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
