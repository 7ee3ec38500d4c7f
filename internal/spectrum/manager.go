package spectrum

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/logging"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/sim/events"
	"github.com/signalsfoundry/cognitive-radio-sim/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/cognitive-radio-sim/internal/spectrum"

// Phase durations used when Config leaves them zero.
const (
	DefaultSenseTime    = 100 * time.Millisecond
	DefaultTransmitTime = time.Second
)

// Config holds the immutable parameters of one manager. Zero durations
// select DefaultSenseTime and DefaultTransmitTime.
type Config struct {
	NodeID       model.NodeID
	Channels     []model.Channel
	SenseTime    time.Duration
	TransmitTime time.Duration
}

// Manager runs the sense, transmit and handoff cycle of one cognitive radio
// node. All methods must be called from the goroutine that runs the event
// scheduler; Manager has no internal locking.
type Manager struct {
	nodeID       model.NodeID
	channels     []model.Channel
	senseTime    time.Duration
	transmitTime time.Duration

	radio         Radio
	sched         events.Scheduler
	senseTimer    *Timer
	transmitTimer *Timer

	sensing *Sensing
	oracle  OccupancyOracle
	repo    Repository
	policy  DecisionPolicy
	decide  bool
	rng     Rand

	listeners []HandoffListener
	metrics   MetricsRecorder
	log       logging.Logger
	tracer    trace.Tracer
	ctx       context.Context
	strict    bool

	state          State
	currentChannel model.Channel
	target         model.Channel
	isPuOn         bool
	windowStart    time.Time
}

// NewManager builds an idle manager tuned to the radio's current channel.
// SetPuModel and SetRepository must be called before Start.
func NewManager(cfg Config, radio Radio, sched events.Scheduler, opts ...Option) (*Manager, error) {
	if radio == nil {
		return nil, fmt.Errorf("%w: radio", ErrNilCollaborator)
	}
	if sched == nil {
		return nil, fmt.Errorf("%w: scheduler", ErrNilCollaborator)
	}
	if len(cfg.Channels) == 0 {
		return nil, ErrNoChannels
	}
	if cfg.SenseTime < 0 || cfg.TransmitTime < 0 {
		return nil, fmt.Errorf("%w: sense %v, transmit %v", ErrInvalidDuration, cfg.SenseTime, cfg.TransmitTime)
	}
	if cfg.SenseTime == 0 {
		cfg.SenseTime = DefaultSenseTime
	}
	if cfg.TransmitTime == 0 {
		cfg.TransmitTime = DefaultTransmitTime
	}

	m := &Manager{
		nodeID:         cfg.NodeID,
		channels:       append([]model.Channel(nil), cfg.Channels...),
		senseTime:      cfg.SenseTime,
		transmitTime:   cfg.TransmitTime,
		radio:          radio,
		sched:          sched,
		policy:         LeastLoadedPolicy{},
		decide:         true,
		metrics:        noopRecorder{},
		log:            logging.Noop(),
		tracer:         otel.Tracer(tracerName),
		ctx:            context.Background(),
		state:          StateIdle,
		currentChannel: radio.Channel(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.log = m.log.With(logging.String("node", string(m.nodeID)))
	m.senseTimer = NewTimer(TimerSense, sched, m)
	m.transmitTimer = NewTimer(TimerTransmit, sched, m)

	m.metrics.SetState(m.nodeID, m.state)
	m.metrics.SetChannel(m.nodeID, m.currentChannel)
	return m, nil
}

// SetPuModel installs the occupancy oracle and the misdetection probability.
func (m *Manager) SetPuModel(misdetectionProbability float64, oracle OccupancyOracle) error {
	if m.state != StateIdle {
		return ErrAlreadyStarted
	}
	s, err := NewSensing(oracle, misdetectionProbability, m.rng)
	if err != nil {
		return err
	}
	s.onMisdetection = m.onMisdetection
	m.sensing = s
	m.oracle = oracle
	return nil
}

// SetRepository installs the shared channel repository.
func (m *Manager) SetRepository(repo Repository) error {
	if m.state != StateIdle {
		return ErrAlreadyStarted
	}
	if repo == nil {
		return fmt.Errorf("%w: repository", ErrNilCollaborator)
	}
	m.repo = repo
	return nil
}

// Start begins the cycle with a sensing phase.
func (m *Manager) Start() error {
	if m.state != StateIdle {
		return ErrAlreadyStarted
	}
	if m.sensing == nil {
		return ErrNoPuModel
	}
	if m.repo == nil {
		return ErrNoRepository
	}
	m.log.Info(m.ctx, "spectrum manager started",
		logging.String("channel", m.currentChannel.String()),
		logging.Duration("sense_time", m.senseTime),
		logging.Duration("transmit_time", m.transmitTime),
	)
	return m.enterSensing()
}

// Stop cancels pending timers and returns the manager to idle. A switch in
// flight is aborted on the radio, which must implement Aborter; otherwise
// Stop returns ErrHandoffInFlight and leaves the manager switching. A
// stopped manager can be started again; no timer survives the restart.
func (m *Manager) Stop() error {
	if m.state == StateSwitching {
		a, ok := m.radio.(Aborter)
		if !ok {
			return ErrHandoffInFlight
		}
		if a.Abort() {
			m.log.Info(m.ctx, "handoff aborted",
				logging.String("channel", m.currentChannel.String()),
				logging.String("target", m.target.String()),
			)
		}
		m.currentChannel = m.radio.Channel()
		m.metrics.SetChannel(m.nodeID, m.currentChannel)
	}
	m.senseTimer.Cancel()
	m.transmitTimer.Cancel()
	m.setState(StateIdle)
	return nil
}

// TimerExpired implements TimerSink for the sense and transmit timers.
func (m *Manager) TimerExpired(kind TimerKind) {
	var err error
	switch kind {
	case TimerSense:
		err = m.SenseEnded()
	case TimerTransmit:
		err = m.TransmitEnded()
	default:
		err = fmt.Errorf("unexpected %s timer", kind)
	}
	if err != nil {
		m.log.Debug(m.ctx, "timer callback failed",
			logging.String("timer", kind.String()),
			logging.Err(err),
		)
	}
}

// SenseEnded completes a sensing phase. The verdict covers the window from
// the start of the phase up to and including now. It is published to the
// repository, then the node either transmits or reacts to the primary user.
func (m *Manager) SenseEnded() error {
	if m.state != StateSensing {
		return m.violation("SenseEnded")
	}
	_, span := m.startSpan("spectrum.SenseEnded")
	defer span.End()

	m.senseTimer.Cancel()

	w := Window{Start: m.windowStart, Duration: m.sched.Now().Sub(m.windowStart)}
	verdict, err := m.sensing.Sense(m.currentChannel, w)
	if err != nil {
		span.RecordError(err)
		return err
	}
	m.isPuOn = verdict == VerdictPresent
	m.metrics.ObserveVerdict(m.nodeID, verdict)
	span.SetAttributes(attribute.String("verdict", verdict.String()))

	if err := m.repo.Publish(m.nodeID, m.currentChannel, m.isPuOn); err != nil {
		m.log.Warn(m.ctx, "repository publish failed",
			logging.String("channel", m.currentChannel.String()),
			logging.Err(err),
		)
	}

	if !m.isPuOn {
		m.setState(StateTransmitting)
		return m.arm(m.transmitTimer, m.transmitTime)
	}

	m.log.Debug(m.ctx, "primary user detected",
		logging.String("channel", m.currentChannel.String()),
	)
	if err := m.handlePrimaryUser(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// TransmitEnded completes a transmission phase and starts sensing again.
func (m *Manager) TransmitEnded() error {
	if m.state != StateTransmitting {
		return m.violation("TransmitEnded")
	}
	_, span := m.startSpan("spectrum.TransmitEnded")
	defer span.End()

	m.transmitTimer.Cancel()
	return m.enterSensing()
}

// HandoffEnded implements HandoffSink. The radio calls it once it is tuned
// to the target chosen at the start of the switch.
func (m *Manager) HandoffEnded() error {
	if m.state != StateSwitching {
		return m.violation("HandoffEnded")
	}
	_, span := m.startSpan("spectrum.HandoffEnded")
	defer span.End()

	from := m.currentChannel
	m.currentChannel = m.target
	if got := m.radio.Channel(); got != m.target {
		m.log.Warn(m.ctx, "radio channel differs from handoff target",
			logging.String("target", m.target.String()),
			logging.String("radio", got.String()),
		)
	}
	m.metrics.SetChannel(m.nodeID, m.currentChannel)
	span.SetAttributes(
		attribute.Int("from", int(from)),
		attribute.Int("to", int(m.currentChannel)),
	)
	m.log.Info(m.ctx, "handoff completed",
		logging.String("from", from.String()),
		logging.String("to", m.currentChannel.String()),
	)
	m.notify(HandoffCompleted, from, m.currentChannel)
	return m.enterSensing()
}

// IsChannelAvailable reports whether upper layers may send now: true while
// transmitting, or while idle with no primary user known to be present.
func (m *Manager) IsChannelAvailable() bool {
	switch m.state {
	case StateTransmitting:
		return true
	case StateIdle:
		return !m.isPuOn
	default:
		return false
	}
}

// IsPuInterfering asks the ground-truth oracle whether the primary user is
// active on the current channel during [now, now+d).
func (m *Manager) IsPuInterfering(d time.Duration) (bool, error) {
	if m.oracle == nil {
		return false, ErrNoPuModel
	}
	if d < 0 {
		return false, fmt.Errorf("%w: %v", ErrInvalidDuration, d)
	}
	return m.oracle.IsActive(m.currentChannel, m.sched.Now(), d), nil
}

// NodeID returns the node this manager runs for.
func (m *Manager) NodeID() model.NodeID { return m.nodeID }

// State returns the current phase.
func (m *Manager) State() State { return m.state }

// CurrentChannel returns the channel being sensed or used. During a switch
// it is still the channel being left.
func (m *Manager) CurrentChannel() model.Channel { return m.currentChannel }

// IsPuOn returns the latest sensing verdict.
func (m *Manager) IsPuOn() bool { return m.isPuOn }

// IsSensing reports whether a sensing phase is running.
func (m *Manager) IsSensing() bool { return m.state == StateSensing }

// IsSwitching reports whether a handoff is in flight.
func (m *Manager) IsSwitching() bool { return m.state == StateSwitching }

// SenseTime returns the length of a sensing phase.
func (m *Manager) SenseTime() time.Duration { return m.senseTime }

// TransmitTime returns the length of a transmission phase.
func (m *Manager) TransmitTime() time.Duration { return m.transmitTime }

// handlePrimaryUser reacts to a positive verdict: defer to the routing
// layer, skip when the policy keeps the current channel, or switch.
func (m *Manager) handlePrimaryUser() error {
	from := m.currentChannel
	if !m.decide {
		m.notify(HandoffDeferred, from, from)
		return m.enterSensing()
	}

	target := m.policy.SelectTargetChannel(from, m.knowledge())
	if target == from {
		m.log.Debug(m.ctx, "handoff skipped; no better channel",
			logging.String("channel", from.String()),
		)
		m.notify(HandoffSkipped, from, from)
		return m.enterSensing()
	}

	m.target = target
	m.setState(StateSwitching)
	if err := m.radio.BeginHandoff(target); err != nil {
		m.log.Warn(m.ctx, "radio rejected handoff",
			logging.String("from", from.String()),
			logging.String("to", target.String()),
			logging.Err(err),
		)
		m.notify(HandoffSkipped, from, from)
		if serr := m.enterSensing(); serr != nil {
			return serr
		}
		return fmt.Errorf("begin handoff to %s: %w", target, err)
	}
	m.notify(HandoffStarted, from, target)
	return nil
}

func (m *Manager) knowledge() Knowledge {
	k := Knowledge{
		Node:     m.nodeID,
		Channels: m.channels,
		States:   make(map[model.Channel]model.ChannelState, len(m.channels)),
	}
	for _, ch := range m.channels {
		k.States[ch] = m.repo.Query(ch)
	}
	return k
}

func (m *Manager) enterSensing() error {
	m.setState(StateSensing)
	m.windowStart = m.sched.Now()
	return m.arm(m.senseTimer, m.senseTime)
}

func (m *Manager) arm(t *Timer, d time.Duration) error {
	if err := t.Arm(d); err != nil {
		m.log.Error(m.ctx, "failed to arm timer",
			logging.String("timer", t.Kind().String()),
			logging.Err(err),
		)
		return err
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.state = s
	m.metrics.SetState(m.nodeID, s)
}

func (m *Manager) notify(kind HandoffKind, from, to model.Channel) {
	m.metrics.IncHandoff(m.nodeID, kind)
	if len(m.listeners) == 0 {
		return
	}
	ev := HandoffEvent{
		Node: m.nodeID,
		Kind: kind,
		From: from,
		To:   to,
		At:   m.sched.Now(),
	}
	for _, l := range m.listeners {
		l.OnHandoff(ev)
	}
}

func (m *Manager) onMisdetection(ch model.Channel) {
	m.metrics.IncMisdetection(m.nodeID)
	m.log.Debug(m.ctx, "primary user missed",
		logging.String("channel", ch.String()),
	)
}

func (m *Manager) violation(callback string) error {
	err := fmt.Errorf("%w: %s while %s", ErrSequencing, callback, m.state)
	m.metrics.IncSequencingViolation(m.nodeID, callback)
	m.log.Warn(m.ctx, "ignoring out-of-phase callback",
		logging.String("callback", callback),
		logging.String("state", m.state.String()),
	)
	if m.strict {
		panic(err)
	}
	return err
}

func (m *Manager) startSpan(name string) (context.Context, trace.Span) {
	return m.tracer.Start(m.ctx, name, trace.WithAttributes(
		attribute.String("node", string(m.nodeID)),
		attribute.Int("channel", int(m.currentChannel)),
	))
}
