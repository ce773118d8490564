// clock.go - Clock sources driving timers.
// Copyright (C) 2025  Katzenpost Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package monotime

import (
	"sync"
	"time"
)

// Clock is a monotonic time source that can also arm one-shot timers.
type Clock interface {
	// Now returns the current monotonic time.
	Now() time.Duration

	// After returns a channel that receives a value once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Runtime is the Clock backed by the Go runtime.
type Runtime struct{}

// Now implements Clock.
func (Runtime) Now() time.Duration {
	return Now()
}

// After implements Clock.
func (Runtime) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type simulatedTimer struct {
	deadline time.Duration
	ch       chan time.Time
}

// Simulated is a Clock that only moves when Advance is called.
type Simulated struct {
	sync.Mutex

	now    time.Duration
	timers []*simulatedTimer
}

// Now implements Clock.
func (s *Simulated) Now() time.Duration {
	s.Lock()
	defer s.Unlock()
	return s.now
}

// After implements Clock.
func (s *Simulated) After(d time.Duration) <-chan time.Time {
	s.Lock()
	defer s.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- time.Time{}.Add(s.now)
		return ch
	}
	s.timers = append(s.timers, &simulatedTimer{
		deadline: s.now + d,
		ch:       ch,
	})
	return ch
}

// Advance moves the clock forward by d, firing every timer whose deadline
// has been reached.
func (s *Simulated) Advance(d time.Duration) {
	s.Lock()
	defer s.Unlock()

	s.now += d
	pending := s.timers[:0]
	for _, t := range s.timers {
		if t.deadline <= s.now {
			t.ch <- time.Time{}.Add(s.now)
			continue
		}
		pending = append(pending, t)
	}
	s.timers = pending
}

// ActiveTimers returns the number of armed timers that have not fired yet.
func (s *Simulated) ActiveTimers() int {
	s.Lock()
	defer s.Unlock()
	return len(s.timers)
}
