package spectrum

import (
	"context"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/logging"
	"go.opentelemetry.io/otel/trace"
)

// Option customises Manager construction.
type Option func(*Manager)

// WithLogger attaches a structured logger. Node and channel fields are
// added by the manager.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithContext sets the context used for logging and spans emitted from
// scheduler callbacks, typically one carrying the run ID.
func WithContext(ctx context.Context) Option {
	return func(m *Manager) {
		if ctx != nil {
			m.ctx = ctx
		}
	}
}

// WithMetricsRecorder attaches a recorder for verdicts, handoffs and phases.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithDecisionPolicy replaces the default LeastLoadedPolicy.
func WithDecisionPolicy(p DecisionPolicy) Option {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithRand sets the random source used for misdetection draws.
func WithRand(r Rand) Option {
	return func(m *Manager) {
		if r != nil {
			m.rng = r
		}
	}
}

// WithHandoffListener registers a network layer listener. It may be given
// more than once.
func WithHandoffListener(l HandoffListener) Option {
	return func(m *Manager) {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
}

// WithStrictSequencing makes out-of-phase completion callbacks panic
// instead of returning ErrSequencing.
func WithStrictSequencing() Option {
	return func(m *Manager) {
		m.strict = true
	}
}

// WithoutDecision leaves channel allocation to the routing layer. A
// detected primary user is reported to listeners as HandoffDeferred and
// the node keeps sensing its current channel.
func WithoutDecision() Option {
	return func(m *Manager) {
		m.decide = false
	}
}

// WithTracer overrides the tracer used for callback spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}
