package kb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/logging"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/mqtt"
	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrReplicaStarted is returned by Start on a running replica.
var ErrReplicaStarted = errors.New("kb: replica already started")

// Bus is the subset of *mqtt.Client a Replica needs.
type Bus interface {
	PublishAsync(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Topics() mqtt.Topics
	QoS() byte
}

// wireReport is the retained payload on <prefix>/nodes/<id>.
type wireReport struct {
	Node    string    `json:"node"`
	Channel int       `json:"channel"`
	PuOn    bool      `json:"pu_on"`
	At      time.Time `json:"at"`
	Origin  string    `json:"origin"`
}

// ReplicaStats counts messages seen by a replica.
type ReplicaStats struct {
	Published int64
	Applied   int64
	Stale     int64
	Rejected  int64
}

// Replica mirrors a KnowledgeBase across simulator processes over MQTT.
// Local reports are published retained, one topic per node; peer reports
// are merged with Apply. Replica implements the spectrum repository
// contract by delegating to the local KnowledgeBase, so reads never block
// on the broker.
type Replica struct {
	kb     *KnowledgeBase
	bus    Bus
	origin string
	log    logging.Logger

	mu      sync.Mutex
	started bool
	unsub   func()

	// Nodes whose reports this replica holds retained on the broker.
	localMu sync.Mutex
	local   map[model.NodeID]struct{}

	published atomic.Int64
	applied   atomic.Int64
	stale     atomic.Int64
	rejected  atomic.Int64
}

// NewReplica wraps kb. Nothing is sent until Start.
func NewReplica(kb *KnowledgeBase, bus Bus, log logging.Logger) (*Replica, error) {
	if kb == nil || bus == nil {
		return nil, fmt.Errorf("kb: replica needs a knowledge base and a bus")
	}
	if log == nil {
		log = logging.Noop()
	}
	origin := uuid.NewString()
	return &Replica{
		kb:     kb,
		bus:    bus,
		origin: origin,
		log:    log.With(logging.String("replica", origin)),
		local:  make(map[model.NodeID]struct{}),
	}, nil
}

// Start subscribes to peer reports and begins forwarding local ones.
func (r *Replica) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrReplicaStarted
	}

	if err := r.bus.Subscribe(r.bus.Topics().AllNodeReports(), r.bus.QoS(), r.handle); err != nil {
		return fmt.Errorf("kb: subscribing to node reports: %w", err)
	}
	r.unsub = r.kb.Subscribe(r.forward)
	r.started = true
	return nil
}

// Stop withdraws every node this replica published, clearing their
// retained topics so peers joining later do not see departed nodes, then
// detaches from the KB and the broker.
func (r *Replica) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}

	for _, node := range r.localNodes() {
		if err := r.kb.Remove(node, SourceLocal); err != nil {
			// Already gone from the KB; clear the topic anyway.
			r.clear(node)
		}
	}
	r.unsub()
	r.started = false
	return r.bus.Unsubscribe(r.bus.Topics().AllNodeReports())
}

// Publish records the report locally; the KB subscription forwards it.
func (r *Replica) Publish(node model.NodeID, channel model.Channel, isPuOn bool) error {
	return r.kb.Publish(node, channel, isPuOn)
}

// Query reads the merged local view.
func (r *Replica) Query(channel model.Channel) model.ChannelState {
	return r.kb.Query(channel)
}

// Stats returns message counters.
func (r *Replica) Stats() ReplicaStats {
	return ReplicaStats{
		Published: r.published.Load(),
		Applied:   r.applied.Load(),
		Stale:     r.stale.Load(),
		Rejected:  r.rejected.Load(),
	}
}

func (r *Replica) forward(ev Event) {
	if ev.Source != SourceLocal {
		return
	}
	if ev.Type == EventNodeRemoved {
		r.clear(ev.Report.Node)
		return
	}

	payload, err := json.Marshal(wireReport{
		Node:    string(ev.Report.Node),
		Channel: int(ev.Report.Channel),
		PuOn:    ev.Report.PuOn,
		At:      ev.Report.At,
		Origin:  r.origin,
	})
	if err != nil {
		r.log.Error(context.Background(), "encoding node report", logging.Err(err))
		return
	}
	if r.send(ev.Report.Node, payload) {
		r.localMu.Lock()
		r.local[ev.Report.Node] = struct{}{}
		r.localMu.Unlock()
	}
}

// clear publishes an empty retained payload, which removes the node's
// topic on the broker.
func (r *Replica) clear(node model.NodeID) {
	if r.send(node, nil) {
		r.localMu.Lock()
		delete(r.local, node)
		r.localMu.Unlock()
	}
}

func (r *Replica) send(node model.NodeID, payload []byte) bool {
	topic := r.bus.Topics().NodeReport(string(node))
	if err := r.bus.PublishAsync(topic, payload, r.bus.QoS(), true); err != nil {
		r.log.Warn(context.Background(), "forwarding node report",
			logging.String("topic", topic),
			logging.Err(err),
		)
		return false
	}
	r.published.Add(1)
	return true
}

func (r *Replica) localNodes() []model.NodeID {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	nodes := make([]model.NodeID, 0, len(r.local))
	for node := range r.local {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

func (r *Replica) handle(topic string, payload []byte) error {
	id, ok := r.bus.Topics().NodeIDFromTopic(topic)
	if !ok {
		r.rejected.Add(1)
		return fmt.Errorf("unexpected topic %q", topic)
	}
	if len(payload) == 0 {
		if _, held := r.kb.Report(model.NodeID(id)); held {
			return r.kb.Remove(model.NodeID(id), SourceRemote)
		}
		return nil
	}

	var w wireReport
	if err := json.Unmarshal(payload, &w); err != nil {
		r.rejected.Add(1)
		return fmt.Errorf("decoding report on %q: %w", topic, err)
	}
	if w.Origin == r.origin {
		return nil
	}
	if w.Node != id {
		r.rejected.Add(1)
		return fmt.Errorf("report for %q published on %q", w.Node, topic)
	}

	kept, err := r.kb.Apply(model.NodeReport{
		Node:    model.NodeID(w.Node),
		Channel: model.Channel(w.Channel),
		PuOn:    w.PuOn,
		At:      w.At,
	})
	if err != nil {
		r.rejected.Add(1)
		return err
	}
	if kept {
		r.applied.Add(1)
	} else {
		r.stale.Add(1)
	}
	return nil
}
