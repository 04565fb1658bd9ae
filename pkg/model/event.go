package model

import "time"

// Event types recorded in the journal and pushed to websocket subscribers.
const (
	EventHealthTransition = "health_transition"
	EventSnapshotPublish  = "snapshot_publish"
	EventNodeRegistered   = "node_registered"
	EventNodeRetired      = "node_retired"
)

// Event is a routing-plane state change: a health transition, a snapshot
// publish, or node churn.
type Event struct {
	Type      string    `json:"type"`
	NodeID    string    `json:"nodeId,omitempty"`
	Subnet    string    `json:"subnet,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Version   uint64    `json:"version,omitempty"` // snapshot version for publish events
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
