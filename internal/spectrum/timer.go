package spectrum

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/sim/events"
)

// TimerKind distinguishes the three cycle timers.
type TimerKind int

const (
	TimerSense TimerKind = iota
	TimerTransmit
	TimerHandoff
)

func (k TimerKind) String() string {
	switch k {
	case TimerSense:
		return "sense"
	case TimerTransmit:
		return "transmit"
	case TimerHandoff:
		return "handoff"
	default:
		return "unknown"
	}
}

// TimerSink is the capability a timer calls back into when it expires.
// Manager implements it for the sense and transmit timers; simulated radios
// implement it for their handoff timer.
type TimerSink interface {
	TimerExpired(kind TimerKind)
}

// Timer is a one-shot countdown on the event scheduler. At most one firing
// is pending at a time and each arming delivers exactly one TimerExpired.
type Timer struct {
	kind  TimerKind
	sched events.Scheduler
	sink  TimerSink

	pending  bool
	eventID  string
	duration time.Duration
	deadline time.Time

	// gen invalidates callbacks of cancelled armings that the scheduler may
	// still hold.
	gen uint64
}

// NewTimer returns an unarmed timer of the given kind.
func NewTimer(kind TimerKind, sched events.Scheduler, sink TimerSink) *Timer {
	return &Timer{kind: kind, sched: sched, sink: sink}
}

// Arm schedules one expiry d from now.
func (t *Timer) Arm(d time.Duration) error {
	if t.pending {
		return fmt.Errorf("%w: %s", ErrTimerPending, t.kind)
	}
	if d < 0 {
		return fmt.Errorf("%w: %s timer armed for %v", ErrInvalidDuration, t.kind, d)
	}

	t.gen++
	gen := t.gen
	t.pending = true
	t.duration = d
	t.deadline = t.sched.Now().Add(d)
	t.eventID = t.sched.Schedule(t.deadline, func() { t.fire(gen) })
	return nil
}

// Cancel suppresses a pending expiry. It reports whether one was pending.
func (t *Timer) Cancel() bool {
	if !t.pending {
		return false
	}
	t.sched.Cancel(t.eventID)
	t.pending = false
	t.eventID = ""
	t.gen++
	return true
}

// Pending reports whether the timer is armed and has not fired yet.
func (t *Timer) Pending() bool { return t.pending }

// Kind returns the timer kind.
func (t *Timer) Kind() TimerKind { return t.kind }

// Duration returns the duration of the last arming.
func (t *Timer) Duration() time.Duration { return t.duration }

// Deadline returns the expiry time of the last arming.
func (t *Timer) Deadline() time.Time { return t.deadline }

func (t *Timer) fire(gen uint64) {
	if !t.pending || gen != t.gen {
		return
	}
	t.pending = false
	t.eventID = ""
	if t.sink != nil {
		t.sink.TimerExpired(t.kind)
	}
}
