package model

import "time"

// AuditEntry captures an administrative operation against the gateway:
// node registration/removal, auth events, rollouts of new settings.
type AuditEntry struct {
	ID        string    `json:"id,omitempty"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
