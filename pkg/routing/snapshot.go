package routing

import (
	"sort"
	"time"

	"fleetgate/pkg/model"
)

// SubnetRoute is the per-subnet routing entry. Primaries are healthy nodes,
// fallbacks are degraded ones; unreachable nodes are not listed at all. Both
// tiers are ordered by last probe latency, ties broken by ID.
type SubnetRoute struct {
	Subnet    string       `json:"subnet"`
	Primaries []model.Node `json:"primaries"`
	Fallbacks []model.Node `json:"fallbacks"`
}

// Serveable reports whether at least one node can take traffic.
func (r SubnetRoute) Serveable() bool {
	return len(r.Primaries) > 0 || len(r.Fallbacks) > 0
}

// Snapshot is one immutable routing table. Once published it is never
// mutated; readers may hold it for the whole lifetime of a request.
type Snapshot struct {
	Version uint64                 `json:"version"`
	BuiltAt time.Time              `json:"builtAt"`
	Subnets map[string]SubnetRoute `json:"subnets"`
}

// Route returns the entry for a subnet. A subnet whose nodes are all
// unreachable is present but not serveable; an unknown subnet is absent.
func (s *Snapshot) Route(subnet string) (SubnetRoute, bool) {
	r, ok := s.Subnets[subnet]
	return r, ok
}

// BuildSnapshot derives a routing table from a registry listing. Pure: it
// reads only its arguments, so two builds from the same listing agree.
func BuildSnapshot(version uint64, nodes []model.Node) *Snapshot {
	subnets := make(map[string]SubnetRoute)

	for _, n := range nodes {
		r := subnets[n.Subnet]
		r.Subnet = n.Subnet
		switch n.Health {
		case model.HealthHealthy:
			r.Primaries = append(r.Primaries, n)
		case model.HealthDegraded:
			r.Fallbacks = append(r.Fallbacks, n)
		case model.HealthUnreachable:
			// listed subnet, no tier: dispatch fails fast without I/O
		}
		subnets[n.Subnet] = r
	}

	for k, r := range subnets {
		sortTier(r.Primaries)
		sortTier(r.Fallbacks)
		subnets[k] = r
	}

	return &Snapshot{Version: version, BuiltAt: time.Now(), Subnets: subnets}
}

func sortTier(tier []model.Node) {
	sort.SliceStable(tier, func(i, j int) bool {
		if tier[i].LatencyMs != tier[j].LatencyMs {
			return tier[i].LatencyMs < tier[j].LatencyMs
		}
		return tier[i].ID < tier[j].ID
	})
}
