package events

import (
	"sort"
	"time"
)

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// queue keeps events ordered by time. Events scheduled for the same instant
// run in the order they were scheduled. It is not safe for concurrent use;
// owners guard it with their own mutex.
type queue struct {
	events []*scheduledEvent
	index  map[string]*scheduledEvent
}

func newQueue() queue {
	return queue{index: make(map[string]*scheduledEvent)}
}

func (q *queue) push(ev *scheduledEvent) {
	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].when.After(ev.when)
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev
	q.index[ev.id] = ev
}

// cancel marks the event as cancelled. Removal from the slice is lazy.
func (q *queue) cancel(id string) {
	ev, ok := q.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(q.index, id)
}

// popDue removes and returns the earliest live event with when <= now.
func (q *queue) popDue(now time.Time) *scheduledEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

func (q *queue) pending() int { return len(q.index) }
