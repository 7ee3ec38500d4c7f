package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix roots every topic when no prefix is configured.
const DefaultTopicPrefix = "crn"

// Topics builds the simulator's topic hierarchy under a prefix:
//
//	<prefix>/nodes/<node-id>   retained latest sensing report of a node
//	<prefix>/system/status     retained simulator online/offline status
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.TrimSuffix(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// NodeReport returns the topic carrying a node's latest report.
func (t Topics) NodeReport(nodeID string) string {
	return fmt.Sprintf("%s/nodes/%s", t.prefix(), nodeID)
}

// AllNodeReports returns the wildcard matching every node report.
func (t Topics) AllNodeReports() string {
	return t.prefix() + "/nodes/+"
}

// SystemStatus returns the simulator status topic, also used for the LWT.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// NodeIDFromTopic extracts the node ID from a NodeReport topic.
func (t Topics) NodeIDFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/nodes/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
