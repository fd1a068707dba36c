package clock

import "time"

// Clock allows deterministic time behavior in tests and replay flows.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed returns the same instant on every call. Sweeper and streak tests pin
// the clock with it.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time {
	return f.T.UTC()
}

// Stepper advances by Step on every Now call, starting at Start, so tests that
// need distinct-but-deterministic timestamps can order events.
type Stepper struct {
	Start time.Time
	Step  time.Duration
	calls int
}

func (s *Stepper) Now() time.Time {
	t := s.Start.Add(time.Duration(s.calls) * s.Step)
	s.calls++
	return t.UTC()
}
