package spectrum

import (
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

// State is the phase of the sense/transmit/handoff cycle. Exactly one state
// holds at any instant.
type State int

const (
	StateIdle State = iota
	StateSensing
	StateTransmitting
	StateSwitching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSensing:
		return "sensing"
	case StateTransmitting:
		return "transmitting"
	case StateSwitching:
		return "switching"
	default:
		return "unknown"
	}
}

// States lists every phase, in declaration order.
var States = []State{StateIdle, StateSensing, StateTransmitting, StateSwitching}

// Verdict is the outcome of one sensing cycle.
type Verdict int

const (
	VerdictAbsent Verdict = iota
	VerdictPresent
)

func (v Verdict) String() string {
	if v == VerdictPresent {
		return "present"
	}
	return "absent"
}

// Window is a closed sensing interval [Start, Start+Duration]. Its end is
// the instant the verdict is produced, so activity starting then counts.
type Window struct {
	Start    time.Time
	Duration time.Duration
}

// End returns the verdict instant.
func (w Window) End() time.Time { return w.Start.Add(w.Duration) }

// OccupancyOracle is the ground truth of primary user activity. It is shared
// between nodes and must be safe for concurrent use.
type OccupancyOracle interface {
	// IsActive reports whether the primary user transmits on channel at any
	// point of [start, start+d).
	IsActive(channel model.Channel, start time.Time, d time.Duration) bool
}

// OracleFunc adapts a function to OccupancyOracle.
type OracleFunc func(channel model.Channel, start time.Time, d time.Duration) bool

func (f OracleFunc) IsActive(channel model.Channel, start time.Time, d time.Duration) bool {
	return f(channel, start, d)
}

// Repository is the cross-node channel registry. Implementations must be
// safe for concurrent use by many nodes.
type Repository interface {
	// Publish records the node's latest sensing verdict for channel.
	Publish(node model.NodeID, channel model.Channel, isPuOn bool) error
	// Query aggregates every node report currently attached to channel.
	Query(channel model.Channel) model.ChannelState
}

// Radio is the interface the manager drives to change channel.
type Radio interface {
	// Channel reads back the channel the radio is tuned to.
	Channel() model.Channel
	// BeginHandoff starts an asynchronous switch to target. Completion is
	// reported through HandoffSink.HandoffEnded.
	BeginHandoff(target model.Channel) error
}

// Aborter is implemented by radios that can cancel an in-flight switch and
// stay on their current channel. Abort reports whether a switch was
// cancelled.
type Aborter interface {
	Abort() bool
}

// HandoffSink receives the radio's handoff completion.
type HandoffSink interface {
	HandoffEnded() error
}

// HandoffKind classifies handoff notifications sent to the network layer.
type HandoffKind int

const (
	// HandoffStarted: PU detected and the radio began switching.
	HandoffStarted HandoffKind = iota
	// HandoffSkipped: PU detected but no alternative channel was chosen.
	HandoffSkipped
	// HandoffCompleted: the radio finished switching.
	HandoffCompleted
	// HandoffDeferred: PU detected while channel decision is delegated to
	// the network layer.
	HandoffDeferred
)

func (k HandoffKind) String() string {
	switch k {
	case HandoffStarted:
		return "started"
	case HandoffSkipped:
		return "skipped"
	case HandoffCompleted:
		return "completed"
	case HandoffDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// HandoffEvent notifies upper layers of primary user driven channel changes.
type HandoffEvent struct {
	Node model.NodeID
	Kind HandoffKind
	From model.Channel
	To   model.Channel
	At   time.Time
}

// HandoffListener is implemented by network layers that react to handoffs,
// e.g. to reroute around a node that is switching.
type HandoffListener interface {
	OnHandoff(ev HandoffEvent)
}

// HandoffListenerFunc adapts a function to HandoffListener.
type HandoffListenerFunc func(ev HandoffEvent)

func (f HandoffListenerFunc) OnHandoff(ev HandoffEvent) { f(ev) }

// MetricsRecorder receives spectrum cycle measurements. The observability
// package's collector implements it.
type MetricsRecorder interface {
	ObserveVerdict(node model.NodeID, v Verdict)
	IncMisdetection(node model.NodeID)
	IncHandoff(node model.NodeID, kind HandoffKind)
	IncSequencingViolation(node model.NodeID, callback string)
	SetState(node model.NodeID, s State)
	SetChannel(node model.NodeID, ch model.Channel)
}

type noopRecorder struct{}

func (noopRecorder) ObserveVerdict(model.NodeID, Verdict)        {}
func (noopRecorder) IncMisdetection(model.NodeID)                {}
func (noopRecorder) IncHandoff(model.NodeID, HandoffKind)        {}
func (noopRecorder) IncSequencingViolation(model.NodeID, string) {}
func (noopRecorder) SetState(model.NodeID, State)                {}
func (noopRecorder) SetChannel(model.NodeID, model.Channel)      {}
