package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/spectrum"
	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

// SpectrumCollector bundles Prometheus metrics for the spectrum managers of
// a simulation. It implements spectrum.MetricsRecorder and, through the
// embedded SchedulerCollector, the engine's scheduler gauge.
type SpectrumCollector struct {
	*SchedulerCollector

	gatherer prometheus.Gatherer

	Verdicts             *prometheus.CounterVec
	Misdetections        *prometheus.CounterVec
	Handoffs             *prometheus.CounterVec
	SequencingViolations *prometheus.CounterVec
	NodeState            *prometheus.GaugeVec
	NodeChannel          *prometheus.GaugeVec
}

// NewSpectrumCollector registers spectrum metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSpectrumCollector(reg prometheus.Registerer) (*SpectrumCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	sched, err := NewSchedulerCollector(reg)
	if err != nil {
		return nil, err
	}

	verdicts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crn_sensing_verdicts_total",
		Help: "Sensing verdicts per node, labeled by verdict (present/absent).",
	}, []string{"node", "verdict"}), "crn_sensing_verdicts_total")
	if err != nil {
		return nil, err
	}
	misdetections, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crn_sensing_misdetections_total",
		Help: "Sensing cycles that reported a clear channel while the primary user was active.",
	}, []string{"node"}), "crn_sensing_misdetections_total")
	if err != nil {
		return nil, err
	}
	handoffs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crn_handoffs_total",
		Help: "Handoff notifications per node, labeled by kind (started/skipped/completed/deferred).",
	}, []string{"node", "kind"}), "crn_handoffs_total")
	if err != nil {
		return nil, err
	}
	violations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crn_sequencing_violations_total",
		Help: "Completion callbacks received outside their phase, labeled by callback.",
	}, []string{"node", "callback"}), "crn_sequencing_violations_total")
	if err != nil {
		return nil, err
	}
	state, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crn_node_state",
		Help: "Current manager phase per node; exactly one state label is 1.",
	}, []string{"node", "state"}), "crn_node_state")
	if err != nil {
		return nil, err
	}
	channel, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crn_node_channel",
		Help: "Channel each node is currently operating on.",
	}, []string{"node"}), "crn_node_channel")
	if err != nil {
		return nil, err
	}

	return &SpectrumCollector{
		SchedulerCollector:   sched,
		gatherer:             gatherer,
		Verdicts:             verdicts,
		Misdetections:        misdetections,
		Handoffs:             handoffs,
		SequencingViolations: violations,
		NodeState:            state,
		NodeChannel:          channel,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SpectrumCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *SpectrumCollector) ObserveVerdict(node model.NodeID, v spectrum.Verdict) {
	if c == nil || c.Verdicts == nil {
		return
	}
	c.Verdicts.WithLabelValues(string(node), v.String()).Inc()
}

func (c *SpectrumCollector) IncMisdetection(node model.NodeID) {
	if c == nil || c.Misdetections == nil {
		return
	}
	c.Misdetections.WithLabelValues(string(node)).Inc()
}

func (c *SpectrumCollector) IncHandoff(node model.NodeID, kind spectrum.HandoffKind) {
	if c == nil || c.Handoffs == nil {
		return
	}
	c.Handoffs.WithLabelValues(string(node), kind.String()).Inc()
}

func (c *SpectrumCollector) IncSequencingViolation(node model.NodeID, callback string) {
	if c == nil || c.SequencingViolations == nil {
		return
	}
	c.SequencingViolations.WithLabelValues(string(node), callback).Inc()
}

// SetState sets the gauge of s to 1 and every other state of node to 0.
func (c *SpectrumCollector) SetState(node model.NodeID, s spectrum.State) {
	if c == nil || c.NodeState == nil {
		return
	}
	for _, st := range spectrum.States {
		v := 0.0
		if st == s {
			v = 1
		}
		c.NodeState.WithLabelValues(string(node), st.String()).Set(v)
	}
}

func (c *SpectrumCollector) SetChannel(node model.NodeID, ch model.Channel) {
	if c == nil || c.NodeChannel == nil {
		return
	}
	c.NodeChannel.WithLabelValues(string(node)).Set(float64(ch))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
