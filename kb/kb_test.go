package kb

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/sim/events"
	"github.com/signalsfoundry/cognitive-radio-sim/model"
	"github.com/signalsfoundry/cognitive-radio-sim/timectrl"
)

func TestPublishAndQuery(t *testing.T) {
	store := NewKnowledgeBase()

	mustPublish(t, store, "n1", 0, false)
	mustPublish(t, store, "n2", 0, true)
	mustPublish(t, store, "n3", 1, false)

	st := store.Query(0)
	if st.Channel != 0 || st.PUReports != 1 || st.Occupants != 1 {
		t.Fatalf("Query(0) = %+v, want 1 PU report and 1 occupant", st)
	}
	if len(st.Nodes) != 2 || st.Nodes[0] != "n1" || st.Nodes[1] != "n2" {
		t.Fatalf("Query(0).Nodes = %v, want [n1 n2]", st.Nodes)
	}
	if !st.HasPU() {
		t.Fatalf("HasPU() = false with a PU report")
	}

	if empty := store.Query(2); empty.PUReports != 0 || empty.Occupants != 0 || len(empty.Nodes) != 0 {
		t.Fatalf("Query(2) = %+v, want empty", empty)
	}
}

func TestLatestReportMovesNode(t *testing.T) {
	store := NewKnowledgeBase()
	mustPublish(t, store, "n1", 0, true)
	mustPublish(t, store, "n1", 2, false)

	if st := store.Query(0); len(st.Nodes) != 0 {
		t.Fatalf("node still attached to ch0: %+v", st)
	}
	if st := store.Query(2); st.Occupants != 1 {
		t.Fatalf("Query(2) = %+v, want node as occupant", st)
	}
	r, ok := store.Report("n1")
	if !ok || r.Channel != 2 || r.PuOn {
		t.Fatalf("Report(n1) = %+v, %v", r, ok)
	}
}

func TestPublishRejectsEmptyNode(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.Publish("", 0, false); !errors.Is(err, ErrEmptyNodeID) {
		t.Fatalf("Publish(\"\") error = %v, want ErrEmptyNodeID", err)
	}
	if _, err := store.Apply(model.NodeReport{}); !errors.Is(err, ErrEmptyNodeID) {
		t.Fatalf("Apply(empty) error = %v, want ErrEmptyNodeID", err)
	}
}

func TestWithClockStampsSimulationTime(t *testing.T) {
	start := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	store := NewKnowledgeBase(WithClock(tc))

	tc.SetTime(start.Add(5 * time.Second))
	mustPublish(t, store, "n1", 1, false)

	r, _ := store.Report("n1")
	if !r.At.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("report stamped %v, want simulation time %v", r.At, start.Add(5*time.Second))
	}
	if st := store.Query(1); !st.UpdatedAt.Equal(r.At) {
		t.Fatalf("UpdatedAt = %v, want %v", st.UpdatedAt, r.At)
	}
}

func TestWithSchedulerClockStampsEventInstant(t *testing.T) {
	start := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	sched := events.NewScheduler(tc)
	store := NewKnowledgeBase(WithClock(sched))

	sched.Schedule(start.Add(250*time.Millisecond), func() { mustPublish(t, store, "n1", 0, false) })
	sched.Schedule(start.Add(750*time.Millisecond), func() { mustPublish(t, store, "n2", 0, false) })

	// Both events run within the tick that ends at +1s.
	tc.SetTime(start.Add(time.Second))
	sched.RunDue()

	for node, want := range map[model.NodeID]time.Duration{"n1": 250 * time.Millisecond, "n2": 750 * time.Millisecond} {
		r, ok := store.Report(node)
		if !ok || !r.At.Equal(start.Add(want)) {
			t.Fatalf("Report(%s) stamped %v, want event instant %v", node, r.At, start.Add(want))
		}
	}
}

func TestApplyIgnoresOlderReports(t *testing.T) {
	store := NewKnowledgeBase()
	t0 := time.Unix(1000, 0)

	kept, err := store.Apply(model.NodeReport{Node: "peer", Channel: 1, PuOn: true, At: t0})
	if err != nil || !kept {
		t.Fatalf("Apply(first) = %v, %v", kept, err)
	}
	kept, _ = store.Apply(model.NodeReport{Node: "peer", Channel: 2, At: t0.Add(-time.Second)})
	if kept {
		t.Fatalf("older report was applied")
	}
	if r, _ := store.Report("peer"); r.Channel != 1 {
		t.Fatalf("report channel = %v, want ch1", r.Channel)
	}
	kept, _ = store.Apply(model.NodeReport{Node: "peer", Channel: 2, At: t0.Add(time.Second)})
	if !kept {
		t.Fatalf("newer report was dropped")
	}
}

func TestSubscribeSeesSourceAndUnsubscribe(t *testing.T) {
	store := NewKnowledgeBase()

	var got []Event
	unsubscribe := store.Subscribe(func(e Event) { got = append(got, e) })
	var other int
	store.Subscribe(func(Event) { other++ })

	mustPublish(t, store, "n1", 0, false)
	if _, err := store.Apply(model.NodeReport{Node: "peer", Channel: 1, At: time.Now()}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := store.Remove("peer", SourceRemote); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Type != EventReportPublished || got[0].Source != SourceLocal || got[0].Report.Node != "n1" {
		t.Fatalf("event 0 = %+v", got[0])
	}
	if got[1].Source != SourceRemote || got[2].Type != EventNodeRemoved {
		t.Fatalf("events = %+v", got)
	}

	// Unsubscribing the first callback must not detach the second.
	unsubscribe()
	unsubscribe()
	mustPublish(t, store, "n2", 0, false)
	if len(got) != 3 {
		t.Fatalf("unsubscribed callback still invoked")
	}
	if other != 4 {
		t.Fatalf("remaining subscriber saw %d events, want 4", other)
	}
}

func TestRemoveUnknownNode(t *testing.T) {
	if err := NewKnowledgeBase().Remove("ghost", SourceLocal); err == nil {
		t.Fatalf("Remove(ghost) succeeded")
	}
}

func TestSnapshotOrdered(t *testing.T) {
	store := NewKnowledgeBase()
	for _, id := range []model.NodeID{"c", "a", "b"} {
		mustPublish(t, store, id, 0, false)
	}
	snap := store.Snapshot()
	if len(snap) != 3 || snap[0].Node != "a" || snap[2].Node != "c" {
		t.Fatalf("Snapshot() = %+v", snap)
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := NewKnowledgeBase()
	store.Subscribe(func(Event) {})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.Query(model.Channel(i % 3))
			_ = store.Snapshot()
		}()
		go func() {
			defer wg.Done()
			_ = store.Publish(model.NodeID(fmt.Sprintf("n-%d", i)), model.Channel(i%3), i%2 == 0)
		}()
	}
	wg.Wait()

	if got := len(store.Snapshot()); got != 10 {
		t.Fatalf("Snapshot() has %d reports, want 10", got)
	}
}

func mustPublish(t *testing.T, store *KnowledgeBase, node model.NodeID, ch model.Channel, puOn bool) {
	t.Helper()
	if err := store.Publish(node, ch, puOn); err != nil {
		t.Fatalf("Publish(%s): %v", node, err)
	}
}
