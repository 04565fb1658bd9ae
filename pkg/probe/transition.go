package probe

import "fleetgate/pkg/model"

// Thresholds control how many consecutive bad probes demote a node.
// A node degrades after DegradeAfter bad probes and is condemned to
// unreachable after CondemnAfter more.
type Thresholds struct {
	DegradeAfter int
	CondemnAfter int
}

// Next computes the follow-on health state for one probe outcome. Any good
// probe recovers the node to healthy immediately; recovery is never staged.
// Bad probes only ever worsen the state, and an unreachable node stays
// unreachable until a probe succeeds.
func (t Thresholds) Next(cur model.HealthState, fails int, good bool) (model.HealthState, int) {
	if good {
		return model.HealthHealthy, 0
	}

	fails++
	switch {
	case cur == model.HealthUnreachable:
		return model.HealthUnreachable, fails
	case fails >= t.DegradeAfter+t.CondemnAfter:
		return model.HealthUnreachable, fails
	case fails >= t.DegradeAfter:
		return model.HealthDegraded, fails
	case cur == model.HealthDegraded:
		// seeded degraded nodes stay degraded below the condemn line
		return model.HealthDegraded, fails
	default:
		return cur, fails
	}
}
