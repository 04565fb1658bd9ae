package api

import (
	"time"

	"fleetgate/pkg/model"
)

// NodeRegistrationRequest is sent by replicas (or operators) joining the
// fleet through the admin API.
type NodeRegistrationRequest struct {
	ID        string `json:"id"`
	Subnet    string `json:"subnet"`
	Addr      string `json:"addr"`                // base URL of the replica's HTTP endpoint
	PublicKey string `json:"publicKey,omitempty"` // opaque key-material reference
}

// NodeRemovalRequest names the node to retire.
type NodeRemovalRequest struct {
	ID string `json:"id"`
}

// RegistrationResponse echoes the stored descriptor.
type RegistrationResponse struct {
	Node    model.Node `json:"node"`
	Created bool       `json:"created"`
	Message string     `json:"message,omitempty"`
}

// RemovalResponse reports whether the node existed.
type RemovalResponse struct {
	Removed bool `json:"removed"`
}

// StatusResponse is the gateway's own status document, served to clients
// on /api/v2/status.
type StatusResponse struct {
	Build           string         `json:"build"`
	SnapshotVersion uint64         `json:"snapshotVersion"`
	SnapshotBuiltAt time.Time      `json:"snapshotBuiltAt"`
	Nodes           int            `json:"nodes"`
	Subnets         []SubnetStatus `json:"subnets"`
}

// SubnetStatus summarizes one subnet's routable capacity.
type SubnetStatus struct {
	Subnet    string `json:"subnet"`
	Healthy   int    `json:"healthy"`
	Degraded  int    `json:"degraded"`
	Available bool   `json:"available"`
}

// ErrorResponse is the gateway-generated error body for failed dispatches.
type ErrorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}
