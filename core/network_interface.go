package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/sim/events"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/spectrum"
	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

var (
	// ErrChannelOutOfPlan is returned when tuning outside the channel plan.
	ErrChannelOutOfPlan = errors.New("core: channel outside plan")
	// ErrHandoffInProgress is returned by BeginHandoff while switching.
	ErrHandoffInProgress = errors.New("core: handoff already in progress")
	// ErrNoHandoffSink is returned by BeginHandoff before SetHandoffSink.
	ErrNoHandoffSink = errors.New("core: no handoff sink")
)

// NetworkInterface is the simulated radio of a cognitive radio node. A
// channel switch takes SwitchingDelay of simulation time, measured by a
// handoff timer, after which the sink's HandoffEnded is called.
type NetworkInterface struct {
	ID             string
	ParentNodeID   model.NodeID
	Plan           model.ChannelPlan
	SwitchingDelay time.Duration

	channel   model.Channel
	target    model.Channel
	switching bool
	handoffs  int

	timer *spectrum.Timer
	sink  spectrum.HandoffSink
}

// NewNetworkInterface returns a radio tuned to initial.
func NewNetworkInterface(id string, node model.NodeID, plan model.ChannelPlan, initial model.Channel, delay time.Duration, sched events.Scheduler) (*NetworkInterface, error) {
	if !plan.Contains(initial) {
		return nil, fmt.Errorf("%w: %s not in %d-channel plan", ErrChannelOutOfPlan, initial, plan.Count)
	}
	if delay < 0 {
		return nil, fmt.Errorf("core: negative switching delay %v", delay)
	}
	if sched == nil {
		return nil, fmt.Errorf("core: interface %q needs a scheduler", id)
	}
	ni := &NetworkInterface{
		ID:             id,
		ParentNodeID:   node,
		Plan:           plan,
		SwitchingDelay: delay,
		channel:        initial,
	}
	ni.timer = spectrum.NewTimer(spectrum.TimerHandoff, sched, ni)
	return ni, nil
}

// SetHandoffSink registers the receiver of handoff completions, normally
// the node's spectrum manager.
func (ni *NetworkInterface) SetHandoffSink(s spectrum.HandoffSink) {
	ni.sink = s
}

// Channel returns the channel the radio is tuned to. During a switch it
// still reports the old channel.
func (ni *NetworkInterface) Channel() model.Channel { return ni.channel }

// IsSwitching reports whether a handoff is in flight.
func (ni *NetworkInterface) IsSwitching() bool { return ni.switching }

// Handoffs counts completed switches.
func (ni *NetworkInterface) Handoffs() int { return ni.handoffs }

// CenterMHz returns the centre frequency of the tuned channel.
func (ni *NetworkInterface) CenterMHz() float64 { return ni.Plan.CenterMHz(ni.channel) }

// BeginHandoff starts switching to target.
func (ni *NetworkInterface) BeginHandoff(target model.Channel) error {
	if !ni.Plan.Contains(target) {
		return fmt.Errorf("%w: %s", ErrChannelOutOfPlan, target)
	}
	if ni.switching {
		return ErrHandoffInProgress
	}
	if ni.sink == nil {
		return ErrNoHandoffSink
	}
	if err := ni.timer.Arm(ni.SwitchingDelay); err != nil {
		return err
	}
	ni.target = target
	ni.switching = true
	return nil
}

// TimerExpired implements spectrum.TimerSink for the handoff timer.
func (ni *NetworkInterface) TimerExpired(kind spectrum.TimerKind) {
	if kind != spectrum.TimerHandoff || !ni.switching {
		return
	}
	ni.channel = ni.target
	ni.switching = false
	ni.handoffs++
	// The sink logs and counts its own sequencing errors.
	_ = ni.sink.HandoffEnded()
}

// Abort cancels an in-flight switch and stays on the current channel.
func (ni *NetworkInterface) Abort() bool {
	if !ni.switching {
		return false
	}
	ni.timer.Cancel()
	ni.switching = false
	return true
}
