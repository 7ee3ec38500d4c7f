package events

import (
	"fmt"
	"sync"
	"time"
)

// FakeScheduler is a Scheduler with its own notion of simulation time that
// tests advance explicitly. AdvanceTo steps time to each due event in turn,
// so callbacks observe exactly the instant they were scheduled for.
type FakeScheduler struct {
	mu      sync.Mutex
	now     time.Time
	counter uint64
	q       queue
}

// NewFakeScheduler creates a fake scheduler starting at the given time.
func NewFakeScheduler(start time.Time) *FakeScheduler {
	return &FakeScheduler{
		now: start,
		q:   newQueue(),
	}
}

// Now returns the current fake simulation time.
func (s *FakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule registers a callback to run at the specified simulation time.
func (s *FakeScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("fake-ev-%d", s.counter)
	s.q.push(&scheduledEvent{id: id, when: at, f: f})
	return id
}

// Cancel attempts to cancel a previously scheduled event.
func (s *FakeScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.cancel(id)
}

// Pending returns the number of live scheduled events.
func (s *FakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.pending()
}

// RunDue executes all events whose scheduled time is <= now.
func (s *FakeScheduler) RunDue() {
	s.mu.Lock()
	target := s.now
	s.mu.Unlock()
	s.runUntil(target)
}

// AdvanceTo moves fake time forward to t, executing every event due on the
// way. Time is monotonic: earlier targets are ignored.
func (s *FakeScheduler) AdvanceTo(t time.Time) {
	s.mu.Lock()
	if t.Before(s.now) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.runUntil(t)

	s.mu.Lock()
	s.now = t
	s.mu.Unlock()
}

// Advance moves fake time forward by d.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

func (s *FakeScheduler) runUntil(target time.Time) {
	for {
		s.mu.Lock()
		ev := s.q.popDue(target)
		if ev == nil {
			s.mu.Unlock()
			return
		}
		if ev.when.After(s.now) {
			s.now = ev.when
		}
		s.mu.Unlock()

		if ev.f != nil {
			ev.f()
		}
	}
}
