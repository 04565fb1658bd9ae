package model

import (
	"fmt"
	"time"
)

// HealthState tags a node's availability as judged by the prober.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnreachable HealthState = "unreachable"
)

// HealthStateFromString parses a health state string. Empty parses to
// degraded, the state new nodes hold until their first successful probe.
func HealthStateFromString(s string) (HealthState, error) {
	switch s {
	case "", string(HealthDegraded):
		return HealthDegraded, nil
	case string(HealthHealthy):
		return HealthHealthy, nil
	case string(HealthUnreachable):
		return HealthUnreachable, nil
	default:
		return "", fmt.Errorf("unknown health state %q", s)
	}
}

// ProbeResult is the outcome of one liveness check against a node.
// Good is false for transport errors, timeouts, HTTP >= 400, and for
// responses slower than the configured slow threshold.
type ProbeResult struct {
	NodeID    string    `json:"nodeId"`
	Good      bool      `json:"good"`
	LatencyMs int64     `json:"latencyMs"`
	CheckedAt time.Time `json:"checkedAt"`
	Err       string    `json:"err,omitempty"`
}
