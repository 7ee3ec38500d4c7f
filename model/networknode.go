package model

// NodeID is the stable identifier of a cognitive radio node.
type NodeID string

// NetworkNode describes a cognitive radio node taking part in a simulation.
// Each node owns exactly one radio interface and one spectrum manager.
type NetworkNode struct {
	ID   NodeID
	Name string

	// InitialChannel is the channel the radio interface is tuned to when
	// the node is created, before any handoff.
	InitialChannel Channel
}
