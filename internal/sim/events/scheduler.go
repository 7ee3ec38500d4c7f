// Package events provides the discrete-event substrate that spectrum timers
// and simulated radios use to run callbacks at a given simulation time.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/timectrl"
)

// Scheduler schedules callbacks to run at specific simulation times.
//
// The simulation loop advances the clock and calls RunDue after each
// advance; timers and radios use Schedule / Cancel to manage their pending
// completions.
type Scheduler interface {
	// Schedule registers f to run at simulation time at and returns an
	// opaque event ID that can be used to cancel it.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time. While a callback runs it
	// returns the time the callback was scheduled for.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now(), including
	// events scheduled by those callbacks that are already due.
	RunDue()

	// Pending returns the number of scheduled, not yet executed events.
	Pending() int
}

// clockScheduler is the Scheduler used by the simulator. It reads the
// current time from a SimClock, which is advanced in ticks.
type clockScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	q       queue

	// current is the scheduled time of the callback being executed, zero
	// outside RunDue. Ticks are coarse; callbacks must observe the instant
	// their event was due so that re-armed timers do not drift.
	current time.Time
}

// NewScheduler creates a scheduler backed by the given SimClock.
func NewScheduler(clock timectrl.SimClock) Scheduler {
	return &clockScheduler{
		clock: clock,
		q:     newQueue(),
	}
}

func (s *clockScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)
	s.q.push(&scheduledEvent{id: id, when: at, f: f})
	return id
}

func (s *clockScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.cancel(id)
}

func (s *clockScheduler) Now() time.Time {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if !current.IsZero() {
		return current
	}
	return s.clock.Now()
}

func (s *clockScheduler) RunDue() {
	now := s.clock.Now()
	defer func() {
		s.mu.Lock()
		s.current = time.Time{}
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		ev := s.q.popDue(now)
		if ev == nil {
			s.mu.Unlock()
			return
		}
		s.current = ev.when
		s.mu.Unlock()

		// Run outside the lock so callbacks can schedule and cancel.
		if ev.f != nil {
			ev.f()
		}
	}
}

func (s *clockScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.pending()
}
