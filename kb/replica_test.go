package kb

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/mqtt"
	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

type busMsg struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeBus is an in-process broker shared by several replicas. Retained
// messages are replayed to late subscribers, like a real broker.
type fakeBus struct {
	mu       sync.Mutex
	topics   mqtt.Topics
	sent     []busMsg
	retained map[string][]byte
	handlers map[string]mqtt.MessageHandler
	peers    []*fakeBus
	failPub  error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		topics:   mqtt.Topics{Prefix: "test"},
		retained: make(map[string][]byte),
		handlers: make(map[string]mqtt.MessageHandler),
	}
}

// link connects buses so a publish on one is delivered to all.
func link(buses ...*fakeBus) {
	for _, b := range buses {
		b.peers = buses
	}
}

func (b *fakeBus) Topics() mqtt.Topics { return b.topics }
func (b *fakeBus) QoS() byte           { return 1 }

func (b *fakeBus) PublishAsync(topic string, payload []byte, _ byte, retained bool) error {
	if b.failPub != nil {
		return b.failPub
	}
	b.mu.Lock()
	b.sent = append(b.sent, busMsg{topic: topic, payload: payload, retained: retained})
	b.mu.Unlock()

	peers := b.peers
	if peers == nil {
		peers = []*fakeBus{b}
	}
	for _, p := range peers {
		p.receive(topic, payload, retained)
	}
	return nil
}

func (b *fakeBus) receive(topic string, payload []byte, retained bool) {
	b.mu.Lock()
	if retained {
		b.retained[topic] = payload
	}
	h := b.handlers[b.topics.AllNodeReports()]
	b.mu.Unlock()
	if h != nil {
		_ = h(topic, payload)
	}
}

func (b *fakeBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	b.handlers[topic] = handler
	replay := make(map[string][]byte, len(b.retained))
	for k, v := range b.retained {
		replay[k] = v
	}
	b.mu.Unlock()
	for k, v := range replay {
		_ = handler(k, v)
	}
	return nil
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	delete(b.handlers, topic)
	b.mu.Unlock()
	return nil
}

func newReplica(t *testing.T, bus *fakeBus) (*KnowledgeBase, *Replica) {
	t.Helper()
	store := NewKnowledgeBase()
	r, err := NewReplica(store, bus, nil)
	if err != nil {
		t.Fatalf("NewReplica: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return store, r
}

func TestReplicaForwardsLocalReports(t *testing.T) {
	bus := newFakeBus()
	_, r := newReplica(t, bus)

	if err := r.Publish("cr-1", 2, true); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(bus.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bus.sent))
	}
	msg := bus.sent[0]
	if msg.topic != "test/nodes/cr-1" || !msg.retained {
		t.Fatalf("message = %+v", msg)
	}

	var w wireReport
	if err := json.Unmarshal(msg.payload, &w); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if w.Node != "cr-1" || w.Channel != 2 || !w.PuOn {
		t.Fatalf("payload = %+v", w)
	}

	// The echo of our own message must not count as a peer report.
	if st := r.Stats(); st.Published != 1 || st.Applied != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if q := r.Query(2); q.PUReports != 1 {
		t.Fatalf("Query(2) = %+v", q)
	}
}

func TestReplicasConverge(t *testing.T) {
	busA, busB := newFakeBus(), newFakeBus()
	link(busA, busB)
	storeA, ra := newReplica(t, busA)
	storeB, rb := newReplica(t, busB)

	if err := ra.Publish("a-1", 0, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := rb.Publish("b-1", 0, true); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, store := range map[string]*KnowledgeBase{"A": storeA, "B": storeB} {
		st := store.Query(0)
		if st.Occupants != 1 || st.PUReports != 1 {
			t.Fatalf("store %s Query(0) = %+v, want the report of both processes", name, st)
		}
	}
	if ra.Stats().Applied != 1 || rb.Stats().Applied != 1 {
		t.Fatalf("applied counts A=%d B=%d, want 1 each", ra.Stats().Applied, rb.Stats().Applied)
	}
}

func TestReplicaReplaysRetainedOnStart(t *testing.T) {
	busA, busB := newFakeBus(), newFakeBus()
	link(busA, busB)
	_, ra := newReplica(t, busA)
	if err := ra.Publish("a-1", 1, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// B joins late and still learns about a-1.
	storeB, _ := newReplica(t, busB)
	if r, ok := storeB.Report("a-1"); !ok || r.Channel != 1 {
		t.Fatalf("late replica Report(a-1) = %+v, %v", r, ok)
	}
}

func TestReplicaHandlesRemovalAndBadInput(t *testing.T) {
	bus := newFakeBus()
	store, r := newReplica(t, bus)

	peer := wireReport{Node: "peer", Channel: 1, At: time.Unix(10, 0), Origin: "other"}
	payload, _ := json.Marshal(peer)
	if err := r.handle("test/nodes/peer", payload); err != nil {
		t.Fatalf("handle(peer): %v", err)
	}
	if _, ok := store.Report("peer"); !ok {
		t.Fatalf("peer report not applied")
	}

	older := peer
	older.At = time.Unix(5, 0)
	payload, _ = json.Marshal(older)
	if err := r.handle("test/nodes/peer", payload); err != nil {
		t.Fatalf("handle(older): %v", err)
	}
	if r.Stats().Stale != 1 {
		t.Fatalf("stale count = %d, want 1", r.Stats().Stale)
	}

	if err := r.handle("test/nodes/peer", nil); err != nil {
		t.Fatalf("handle(clear): %v", err)
	}
	if _, ok := store.Report("peer"); ok {
		t.Fatalf("cleared retained topic did not remove peer")
	}
	if len(bus.sent) != 0 {
		t.Fatalf("remote removal was forwarded: %+v", bus.sent)
	}

	bad := []struct {
		topic   string
		payload []byte
	}{
		{"test/system/status", []byte(`{}`)},
		{"test/nodes/x", []byte(`not json`)},
		{"test/nodes/x", []byte(`{"node":"y","origin":"other"}`)},
	}
	for _, b := range bad {
		if err := r.handle(b.topic, b.payload); err == nil {
			t.Errorf("handle(%q, %s) accepted", b.topic, b.payload)
		}
	}
	if r.Stats().Rejected != 3 {
		t.Fatalf("rejected = %d, want 3", r.Stats().Rejected)
	}
}

func TestReplicaLocalRemovalClearsTopic(t *testing.T) {
	bus := newFakeBus()
	store, r := newReplica(t, bus)
	if err := r.Publish("cr-1", 0, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := store.Remove("cr-1", SourceLocal); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	last := bus.sent[len(bus.sent)-1]
	if last.topic != "test/nodes/cr-1" || len(last.payload) != 0 || !last.retained {
		t.Fatalf("clear message = %+v", last)
	}
}

func TestReplicaLifecycle(t *testing.T) {
	bus := newFakeBus()
	_, r := newReplica(t, bus)
	if err := r.Start(); !errors.Is(err, ErrReplicaStarted) {
		t.Fatalf("second Start error = %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Publish("cr-1", 0, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(bus.sent) != 0 {
		t.Fatalf("stopped replica forwarded %d messages", len(bus.sent))
	}

	bus.failPub = errors.New("offline")
	if err := r.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := r.Publish("cr-1", 1, false); err != nil {
		t.Fatalf("Publish must not fail when forwarding fails: %v", err)
	}
	if r.Stats().Published != 0 {
		t.Fatalf("failed forward counted as published")
	}

	if _, err := NewReplica(nil, bus, nil); err == nil {
		t.Fatalf("NewReplica(nil kb) succeeded")
	}
}

func TestReplicaStopWithdrawsLocalNodes(t *testing.T) {
	busA, busB, busC := newFakeBus(), newFakeBus(), newFakeBus()
	link(busA, busB, busC)
	storeA, ra := newReplica(t, busA)
	storeB, rb := newReplica(t, busB)

	if err := ra.Publish("a-1", 0, true); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := ra.Publish("a-2", 1, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := rb.Publish("b-1", 2, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if st := storeB.Query(0); st.PUReports != 1 {
		t.Fatalf("peer Query(0) = %+v before stop", st)
	}

	if err := ra.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, node := range []string{"a-1", "a-2"} {
		if payload := busA.retained["test/nodes/"+node]; len(payload) != 0 {
			t.Fatalf("retained report of %s survived Stop: %s", node, payload)
		}
		if _, ok := storeB.Report(model.NodeID(node)); ok {
			t.Fatalf("peer still holds %s after Stop", node)
		}
	}
	if _, ok := storeA.Report("a-1"); ok {
		t.Fatalf("stopped replica kept its own report")
	}

	// A process joining afterwards sees only the nodes still running.
	storeC, _ := newReplica(t, busC)
	if st := storeC.Query(0); st.PUReports != 0 || len(st.Nodes) != 0 {
		t.Fatalf("late replica Query(0) = %+v, want no departed nodes", st)
	}
	if _, ok := storeC.Report("b-1"); !ok {
		t.Fatalf("late replica missed b-1")
	}
}
