package oncall

import "time"

// SetClock replaces the schedule clock in tests.
func (s *Schedule) SetClock(now func() time.Time) { s.now = now }
