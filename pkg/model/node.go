package model

import "time"

// Node source labels; discovery refresh only retires nodes it owns.
const (
	SourceStatic = "static"
	SourceConsul = "consul"
	SourceAdmin  = "admin"
)

// Node captures a registered replica endpoint and its runtime health.
// Descriptor fields come from a discovery source or the admin API; the
// health fields are written only by the prober.
type Node struct {
	ID        string `json:"id"`
	Subnet    string `json:"subnet"`
	Addr      string `json:"addr"` // base URL, e.g. http://10.12.4.7:8100
	PublicKey string `json:"publicKey,omitempty"`
	Source    string `json:"source,omitempty"`

	Health           HealthState `json:"health"`
	ConsecutiveFails int         `json:"consecutiveFails"`
	LatencyMs        int64       `json:"latencyMs,omitempty"` // last observed probe latency
	LastProbe        time.Time   `json:"lastProbe,omitempty"`
	LastHealthy      time.Time   `json:"lastHealthy,omitempty"`
	RegisteredAt     time.Time   `json:"registeredAt,omitempty"`
}

// Eligible reports whether the node may receive traffic at all.
func (n Node) Eligible() bool {
	return n.Health != HealthUnreachable
}
