package core

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/logging"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/sim/events"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/spectrum"
	"github.com/signalsfoundry/cognitive-radio-sim/model"
	"github.com/signalsfoundry/cognitive-radio-sim/timectrl"
)

// Decision policy names accepted by EngineConfig.Policy.
const (
	PolicyLeastLoaded = "least_loaded"
	PolicyRandom      = "random"
)

// EngineConfig describes the secondary network built by the engine.
type EngineConfig struct {
	Nodes int
	Plan  model.ChannelPlan

	SenseTime    time.Duration
	TransmitTime time.Duration
	HandoffTime  time.Duration

	MisdetectionProbability float64
	Policy                  string
	// DecisionAtMAC lets each manager pick its own target channel. When
	// false, a detected primary user is only reported upward.
	DecisionAtMAC    bool
	StrictSequencing bool

	ReportInterval time.Duration
	// Seed drives every per-node random source. Zero picks one at random.
	Seed uint64
}

// AvailabilitySink receives per-node availability changes.
type AvailabilitySink interface {
	SetAvailability(node model.NodeID, available bool)
}

// EngineMetrics is the metrics surface the engine drives directly, on top
// of what every manager records.
type EngineMetrics interface {
	spectrum.MetricsRecorder
	SetSchedulerPending(n int)
}

// Node is one cognitive radio: its identity, radio and spectrum manager.
type Node struct {
	Info    model.NetworkNode
	Radio   *NetworkInterface
	Manager *spectrum.Manager

	available      bool
	availableTicks int
}

// NodeStatus is a point-in-time view of a node.
type NodeStatus struct {
	ID        model.NodeID
	Channel   model.Channel
	CenterMHz float64
	State     spectrum.State
	Available bool
	PuOn      bool
	Handoffs  int
	// Availability is the fraction of observed ticks the node could transmit.
	Availability float64
}

// EngineOption customises a SimulationEngine.
type EngineOption func(*SimulationEngine)

// WithEngineLogger sets the engine logger; managers inherit it.
func WithEngineLogger(l logging.Logger) EngineOption {
	return func(e *SimulationEngine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithEngineContext sets the context used for logs and spans.
func WithEngineContext(ctx context.Context) EngineOption {
	return func(e *SimulationEngine) {
		if ctx != nil {
			e.ctx = ctx
		}
	}
}

// WithEngineMetrics records every manager and the scheduler backlog.
func WithEngineMetrics(m EngineMetrics) EngineOption {
	return func(e *SimulationEngine) { e.metrics = m }
}

// WithAvailabilitySink publishes availability changes on every tick.
func WithAvailabilitySink(s AvailabilitySink) EngineOption {
	return func(e *SimulationEngine) { e.availability = s }
}

// WithEngineHandoffListener forwards handoff events from every node.
func WithEngineHandoffListener(l spectrum.HandoffListener) EngineOption {
	return func(e *SimulationEngine) {
		if l != nil {
			e.listeners = append(e.listeners, l)
		}
	}
}

// SimulationEngine builds the cognitive radio nodes and advances their
// scheduler from the simulation clock. Managers are not safe for
// concurrent use, so every access goes through the engine lock.
type SimulationEngine struct {
	mu sync.Mutex

	cfg   EngineConfig
	sched events.Scheduler
	nodes []*Node

	log          logging.Logger
	ctx          context.Context
	metrics      EngineMetrics
	availability AvailabilitySink
	listeners    []spectrum.HandoffListener

	started    bool
	ticks      int
	lastReport time.Time
}

// NewSimulationEngine creates cfg.Nodes idle nodes named cr-1..cr-N with
// initial channels assigned round-robin over the plan.
func NewSimulationEngine(cfg EngineConfig, sched events.Scheduler, oracle spectrum.OccupancyOracle, repo spectrum.Repository, opts ...EngineOption) (*SimulationEngine, error) {
	if cfg.Nodes < 1 {
		return nil, fmt.Errorf("core: engine needs at least one node, got %d", cfg.Nodes)
	}
	if cfg.Plan.Count < 1 {
		return nil, fmt.Errorf("core: %w", spectrum.ErrNoChannels)
	}
	if sched == nil {
		return nil, fmt.Errorf("core: engine needs a scheduler: %w", spectrum.ErrNilCollaborator)
	}
	switch cfg.Policy {
	case "", PolicyLeastLoaded, PolicyRandom:
	default:
		return nil, fmt.Errorf("core: unknown decision policy %q", cfg.Policy)
	}

	e := &SimulationEngine{
		cfg:   cfg,
		sched: sched,
		log:   logging.Noop(),
		ctx:   context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.cfg.Seed == 0 {
		e.cfg.Seed = rand.Uint64()
	}

	channels := cfg.Plan.Channels()
	for i := range cfg.Nodes {
		node, err := e.buildNode(i, channels, oracle, repo)
		if err != nil {
			return nil, err
		}
		e.nodes = append(e.nodes, node)
	}

	e.log.Info(e.ctx, "simulation engine ready",
		logging.Int("nodes", len(e.nodes)),
		logging.Int("channels", cfg.Plan.Count),
		logging.String("policy", e.policyName()),
		logging.Bool("decision_at_mac", cfg.DecisionAtMAC),
		logging.Any("seed", e.cfg.Seed),
	)
	return e, nil
}

func (e *SimulationEngine) buildNode(i int, channels []model.Channel, oracle spectrum.OccupancyOracle, repo spectrum.Repository) (*Node, error) {
	info := model.NetworkNode{
		ID:             model.NodeID(fmt.Sprintf("cr-%d", i+1)),
		InitialChannel: channels[i%len(channels)],
	}
	info.Name = string(info.ID)

	radio, err := NewNetworkInterface(info.Name+"/radio0", info.ID, e.cfg.Plan, info.InitialChannel, e.cfg.HandoffTime, e.sched)
	if err != nil {
		return nil, err
	}

	opts := []spectrum.Option{
		spectrum.WithLogger(e.log),
		spectrum.WithContext(e.ctx),
		spectrum.WithRand(rand.New(rand.NewPCG(e.cfg.Seed, uint64(2*i)))),
	}
	if e.metrics != nil {
		opts = append(opts, spectrum.WithMetricsRecorder(e.metrics))
	}
	if e.cfg.Policy == PolicyRandom {
		opts = append(opts, spectrum.WithDecisionPolicy(spectrum.NewRandomPolicy(rand.New(rand.NewPCG(e.cfg.Seed, uint64(2*i+1))))))
	}
	if !e.cfg.DecisionAtMAC {
		opts = append(opts, spectrum.WithoutDecision())
	}
	if e.cfg.StrictSequencing {
		opts = append(opts, spectrum.WithStrictSequencing())
	}
	for _, l := range e.listeners {
		opts = append(opts, spectrum.WithHandoffListener(l))
	}

	m, err := spectrum.NewManager(spectrum.Config{
		NodeID:       info.ID,
		Channels:     channels,
		SenseTime:    e.cfg.SenseTime,
		TransmitTime: e.cfg.TransmitTime,
	}, radio, e.sched, opts...)
	if err != nil {
		return nil, fmt.Errorf("core: node %s: %w", info.ID, err)
	}
	if err := m.SetPuModel(e.cfg.MisdetectionProbability, oracle); err != nil {
		return nil, fmt.Errorf("core: node %s: %w", info.ID, err)
	}
	if err := m.SetRepository(repo); err != nil {
		return nil, fmt.Errorf("core: node %s: %w", info.ID, err)
	}
	radio.SetHandoffSink(m)

	return &Node{Info: info, Radio: radio, Manager: m}, nil
}

func (e *SimulationEngine) policyName() string {
	if e.cfg.Policy == "" {
		return PolicyLeastLoaded
	}
	return e.cfg.Policy
}

// Nodes returns the engine's nodes in creation order.
func (e *SimulationEngine) Nodes() []*Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Node(nil), e.nodes...)
}

// Start starts every manager and publishes the initial availability.
func (e *SimulationEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return spectrum.ErrAlreadyStarted
	}
	for _, n := range e.nodes {
		if err := n.Manager.Start(); err != nil {
			for _, started := range e.nodes {
				_ = started.Manager.Stop()
			}
			return fmt.Errorf("core: starting %s: %w", n.Info.ID, err)
		}
	}
	e.started = true
	e.lastReport = e.sched.Now()
	e.publishAvailabilityLocked(true)
	return nil
}

// Stop halts every node. Pending timers are cancelled and in-flight
// handoffs are aborted.
func (e *SimulationEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	for _, n := range e.nodes {
		if err := n.Manager.Stop(); err != nil {
			e.log.Warn(e.ctx, "node did not stop cleanly",
				logging.String("node", string(n.Info.ID)),
				logging.Err(err),
			)
		}
	}
	e.started = false
	e.publishAvailabilityLocked(true)
	e.log.Info(e.ctx, "simulation engine stopped", logging.Int("ticks", e.ticks))
}

// Tick runs every scheduler event due at now, then refreshes availability,
// metrics and, every ReportInterval, the status report.
func (e *SimulationEngine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}

	e.sched.RunDue()
	e.ticks++
	for _, n := range e.nodes {
		if n.Manager.IsChannelAvailable() {
			n.availableTicks++
		}
	}
	e.publishAvailabilityLocked(false)
	if e.metrics != nil {
		e.metrics.SetSchedulerPending(e.sched.Pending())
	}

	if e.cfg.ReportInterval > 0 && now.Sub(e.lastReport) >= e.cfg.ReportInterval {
		e.lastReport = now
		e.logReportLocked(now)
	}
}

// Attach drives the engine from every tick of tc.
func (e *SimulationEngine) Attach(tc *timectrl.TimeController) {
	tc.AddListener(e.Tick)
}

// Run starts the engine, drives it from tc for duration (zero runs until
// ctx is cancelled) and stops it.
func (e *SimulationEngine) Run(ctx context.Context, tc *timectrl.TimeController, duration time.Duration) error {
	if err := e.Start(); err != nil {
		return err
	}
	e.Attach(tc)
	e.log.Info(e.ctx, "simulation running",
		logging.String("mode", tc.Mode.String()),
		logging.Duration("tick", tc.Tick),
		logging.Duration("duration", duration),
	)
	<-tc.Start(ctx, duration)
	e.Stop()
	return nil
}

// Status returns a snapshot of every node.
func (e *SimulationEngine) Status() []NodeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *SimulationEngine) statusLocked() []NodeStatus {
	res := make([]NodeStatus, 0, len(e.nodes))
	for _, n := range e.nodes {
		st := NodeStatus{
			ID:        n.Info.ID,
			Channel:   n.Manager.CurrentChannel(),
			CenterMHz: n.Radio.CenterMHz(),
			State:     n.Manager.State(),
			Available: n.Manager.IsChannelAvailable(),
			PuOn:      n.Manager.IsPuOn(),
			Handoffs:  n.Radio.Handoffs(),
		}
		if e.ticks > 0 {
			st.Availability = float64(n.availableTicks) / float64(e.ticks)
		}
		res = append(res, st)
	}
	return res
}

// Report renders the current status as a human-readable table.
func (e *SimulationEngine) Report() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return FormatStatus(e.statusLocked())
}

// FormatStatus renders one line per node.
func FormatStatus(status []NodeStatus) string {
	var b strings.Builder
	for _, st := range status {
		fmt.Fprintf(&b, "%-8s %-5s %-10s %-12s avail=%-5t pu=%-5t handoffs=%-6s uptime=%s%%\n",
			st.ID,
			st.Channel,
			humanize.SIWithDigits(st.CenterMHz*1e6, 3, "Hz"),
			st.State,
			st.Available,
			st.PuOn,
			humanize.Comma(int64(st.Handoffs)),
			humanize.FtoaWithDigits(st.Availability*100, 3),
		)
	}
	return b.String()
}

func (e *SimulationEngine) logReportLocked(now time.Time) {
	var handoffs int
	for _, st := range e.statusLocked() {
		handoffs += st.Handoffs
		e.log.Info(e.ctx, "node status",
			logging.String("node", string(st.ID)),
			logging.String("channel", st.Channel.String()),
			logging.String("state", st.State.String()),
			logging.Bool("available", st.Available),
			logging.Bool("pu_on", st.PuOn),
			logging.String("availability", humanize.FtoaWithDigits(st.Availability*100, 3)+"%"),
		)
	}
	e.log.Info(e.ctx, "simulation status",
		logging.Any("sim_time", now),
		logging.String("ticks", humanize.Comma(int64(e.ticks))),
		logging.String("handoffs", humanize.Comma(int64(handoffs))),
		logging.Int("pending_events", e.sched.Pending()),
	)
}

// publishAvailabilityLocked pushes availability to the sink, only for nodes
// whose value changed unless force is set.
func (e *SimulationEngine) publishAvailabilityLocked(force bool) {
	for _, n := range e.nodes {
		available := e.started && n.Manager.IsChannelAvailable()
		if !force && available == n.available {
			continue
		}
		n.available = available
		if e.availability != nil {
			e.availability.SetAvailability(n.Info.ID, available)
		}
	}
}
