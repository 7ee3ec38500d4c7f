package model

import (
	"fmt"
	"time"
)

// Channel identifies a spectrum channel within a ChannelPlan. Channels are
// numbered from zero.
type Channel int

func (c Channel) String() string { return fmt.Sprintf("ch%d", int(c)) }

// ChannelPlan describes the set of channels available to the secondary
// network: Count contiguous channels of WidthMHz starting at BaseMHz.
type ChannelPlan struct {
	Count    int
	BaseMHz  float64
	WidthMHz float64
}

// Channels returns every channel of the plan in ascending order.
func (p ChannelPlan) Channels() []Channel {
	if p.Count <= 0 {
		return nil
	}
	res := make([]Channel, p.Count)
	for i := range p.Count {
		res[i] = Channel(i)
	}
	return res
}

// Contains reports whether ch is part of the plan.
func (p ChannelPlan) Contains(ch Channel) bool {
	return ch >= 0 && int(ch) < p.Count
}

// CenterMHz returns the centre frequency of ch. It returns 0 for channels
// outside the plan.
func (p ChannelPlan) CenterMHz(ch Channel) float64 {
	if !p.Contains(ch) {
		return 0
	}
	return p.BaseMHz + p.WidthMHz*(float64(ch)+0.5)
}

// NodeReport is the last state a node published for the channel it occupies.
type NodeReport struct {
	Node    NodeID
	Channel Channel
	PuOn    bool
	At      time.Time
}

// ChannelState aggregates every node report currently attached to a channel.
type ChannelState struct {
	Channel Channel

	// PUReports counts nodes whose last sensing verdict on this channel
	// was "PU present".
	PUReports int
	// Occupants counts nodes that found the channel clear and are using it.
	Occupants int

	Nodes     []NodeID
	UpdatedAt time.Time
}

// HasPU reports whether any node saw the primary user on the channel.
func (s ChannelState) HasPU() bool { return s.PUReports > 0 }
