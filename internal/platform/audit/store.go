package audit

import (
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// Genesis seeds every audit chain.
const Genesis = "GENESIS"

type InMemoryStore struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{last: Genesis}
}

// Append links the event onto the chain. The previous link is re-verified on
// every append so corruption surfaces at write time, not audit time.
func (s *InMemoryStore) Append(e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)

	if len(s.events) > 0 {
		prev := s.events[len(s.events)-1]
		recomputed := ComputeHash(prev.HashPrev, prev)
		if recomputed != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	s.events = append(s.events, e)
	s.last = e.HashCurr
	return e, nil
}

func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// VerifyChain walks a stored trail and reports the first broken link.
func VerifyChain(events []Event) error {
	last := Genesis
	for _, e := range events {
		if e.HashPrev != last {
			return ErrCorruptChain
		}
		if ComputeHash(last, e) != e.HashCurr {
			return ErrCorruptChain
		}
		last = e.HashCurr
	}
	return nil
}
