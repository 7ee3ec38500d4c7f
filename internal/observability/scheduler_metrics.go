package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes event scheduler metrics.
type SchedulerCollector struct {
	PendingEvents prometheus.Gauge
	Ticks         prometheus.Counter
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crn_scheduler_pending_events",
		Help: "Number of timer events waiting in the simulation scheduler.",
	}), "crn_scheduler_pending_events")
	if err != nil {
		return nil, err
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crn_scheduler_ticks_total",
		Help: "Simulation clock ticks processed by the engine.",
	}), "crn_scheduler_ticks_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{PendingEvents: pending, Ticks: ticks}, nil
}

// SetSchedulerPending records the scheduler backlog after a tick and counts
// the tick.
func (c *SchedulerCollector) SetSchedulerPending(n int) {
	if c == nil {
		return
	}
	if c.PendingEvents != nil {
		c.PendingEvents.Set(float64(n))
	}
	if c.Ticks != nil {
		c.Ticks.Inc()
	}
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
