package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Spectrum timers,
// the event scheduler and the shared channel repository depend on this
// abstraction rather than on a concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time

	listeners []func(time.Time)
	waiters   []waiter
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the simulation clock to t and releases any After waiters
// that are now due. Listeners are not invoked.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	due := tc.takeDueLocked(t)
	tc.mu.Unlock()

	for _, w := range due {
		w.ch <- t
	}
}

// After returns a channel that receives the simulation time once d has
// elapsed in simulation time. Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	tc.mu.Lock()
	defer tc.mu.Unlock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	tc.waiters = append(tc.waiters, waiter{at: at, ch: ch})
	return ch
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the controller for the specified duration in a separate goroutine.
// A zero duration runs until ctx is cancelled. It returns a channel that is
// closed when the controller finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		simTime := tc.StartTime
		tc.currentTime = simTime
		listeners := append([]func(time.Time){}, tc.listeners...)
		tc.mu.Unlock()

		elapsed := time.Duration(0)

		var tick <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			if duration > 0 && elapsed >= duration {
				return
			}

			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}

			simTime = simTime.Add(tc.Tick)
			elapsed += tc.Tick

			tc.mu.Lock()
			tc.currentTime = simTime
			due := tc.takeDueLocked(simTime)
			tc.mu.Unlock()

			for _, w := range due {
				w.ch <- simTime
			}
			for _, fn := range listeners {
				fn(simTime)
			}
		}
	}()
	return done
}

// takeDueLocked removes and returns waiters whose deadline is <= now.
// Caller must hold tc.mu.
func (tc *TimeController) takeDueLocked(now time.Time) []waiter {
	if len(tc.waiters) == 0 {
		return nil
	}
	var due []waiter
	kept := tc.waiters[:0]
	for _, w := range tc.waiters {
		if !w.at.After(now) {
			due = append(due, w)
			continue
		}
		kept = append(kept, w)
	}
	tc.waiters = kept
	return due
}
