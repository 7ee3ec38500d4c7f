// Package kb holds the cross-node channel repository: the latest sensing
// report of every cognitive radio node, aggregated per channel.
package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

// ErrEmptyNodeID is returned for reports without a node ID.
var ErrEmptyNodeID = errors.New("kb: empty node ID")

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	// EventReportPublished is emitted when a node's report changes.
	EventReportPublished EventType = iota
	// EventNodeRemoved is emitted when a node's report is dropped.
	EventNodeRemoved
)

// Source tells subscribers whether a change was made by this process or
// mirrored from a peer.
type Source int

const (
	SourceLocal Source = iota
	SourceRemote
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type   EventType
	Source Source
	Report model.NodeReport
}

// Option customises KnowledgeBase construction.
type Option func(*KnowledgeBase)

// Clock supplies report timestamps. Both timectrl.SimClock and the event
// scheduler satisfy it; the scheduler reports the instant of the event
// being run, so reports made within one tick keep their order.
type Clock interface {
	Now() time.Time
}

// WithClock stamps reports with simulation time instead of wall-clock time.
func WithClock(c Clock) Option {
	return func(kb *KnowledgeBase) {
		if c != nil {
			kb.now = c.Now
		}
	}
}

// KnowledgeBase is an in-memory, thread-safe store of node reports. A node
// is attached to the channel of its latest report only.
type KnowledgeBase struct {
	mu sync.RWMutex

	reports map[model.NodeID]model.NodeReport
	now     func() time.Time

	subs   map[int]func(Event)
	nextID int
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase(opts ...Option) *KnowledgeBase {
	kb := &KnowledgeBase{
		reports: make(map[model.NodeID]model.NodeReport),
		now:     time.Now,
		subs:    make(map[int]func(Event)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(kb)
		}
	}
	return kb
}

// Publish records node's latest verdict for channel and notifies
// subscribers.
func (kb *KnowledgeBase) Publish(node model.NodeID, channel model.Channel, isPuOn bool) error {
	if node == "" {
		return ErrEmptyNodeID
	}
	r := model.NodeReport{Node: node, Channel: channel, PuOn: isPuOn, At: kb.now()}

	kb.mu.Lock()
	kb.reports[node] = r
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventReportPublished, Source: SourceLocal, Report: r})
	return nil
}

// Apply merges a report received from a peer. Reports older than the one
// already held for the node are ignored; Apply reports whether r was kept.
func (kb *KnowledgeBase) Apply(r model.NodeReport) (bool, error) {
	if r.Node == "" {
		return false, ErrEmptyNodeID
	}

	kb.mu.Lock()
	if cur, ok := kb.reports[r.Node]; ok && r.At.Before(cur.At) {
		kb.mu.Unlock()
		return false, nil
	}
	kb.reports[r.Node] = r
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventReportPublished, Source: SourceRemote, Report: r})
	return true, nil
}

// Remove drops node's report, e.g. when a peer goes offline.
func (kb *KnowledgeBase) Remove(node model.NodeID, source Source) error {
	kb.mu.Lock()
	r, ok := kb.reports[node]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("kb: node %q not found", node)
	}
	delete(kb.reports, node)
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventNodeRemoved, Source: source, Report: r})
	return nil
}

// Query aggregates every report attached to channel.
func (kb *KnowledgeBase) Query(channel model.Channel) model.ChannelState {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	st := model.ChannelState{Channel: channel}
	for _, r := range kb.reports {
		if r.Channel != channel {
			continue
		}
		if r.PuOn {
			st.PUReports++
		} else {
			st.Occupants++
		}
		st.Nodes = append(st.Nodes, r.Node)
		if r.At.After(st.UpdatedAt) {
			st.UpdatedAt = r.At
		}
	}
	sort.Slice(st.Nodes, func(i, j int) bool { return st.Nodes[i] < st.Nodes[j] })
	return st
}

// Report returns node's latest report.
func (kb *KnowledgeBase) Report(node model.NodeID) (model.NodeReport, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	r, ok := kb.reports[node]
	return r, ok
}

// Snapshot returns every report, ordered by node ID.
func (kb *KnowledgeBase) Snapshot() []model.NodeReport {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.NodeReport, 0, len(kb.reports))
	for _, r := range kb.reports {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Node < res[j].Node })
	return res
}

// Subscribe registers a callback for KB events. Callbacks run on the
// publishing goroutine, outside the KB lock. It returns an unsubscribe
// function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextID
	kb.nextID++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	if len(kb.subs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(kb.subs))
	for id := range kb.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	res := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		res = append(res, kb.subs[id])
	}
	return res
}

func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}
