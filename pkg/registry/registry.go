package registry

import (
	"sort"
	"sync"
	"time"

	"fleetgate/pkg/model"
)

// Registry holds the current known set of replica nodes. Descriptor fields
// are written by discovery refresh and the admin API; health fields are
// written only by the prober through SetProbeState. All methods are safe
// for concurrent use and return copies.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]model.Node
}

func New() *Registry {
	return &Registry{nodes: make(map[string]model.Node)}
}

// Upsert inserts a node descriptor or updates the descriptor fields of an
// existing one. Health fields of a known node are preserved so a discovery
// refresh never clobbers prober state. Returns true when the node is new.
func (r *Registry) Upsert(n model.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.nodes[n.ID]
	if !ok {
		if n.Health == "" {
			// new nodes serve as fallback only until the first probe succeeds
			n.Health = model.HealthDegraded
		}
		if n.RegisteredAt.IsZero() {
			n.RegisteredAt = time.Now()
		}
		r.nodes[n.ID] = n
		return true
	}

	cur.Subnet = n.Subnet
	cur.Addr = n.Addr
	cur.PublicKey = n.PublicKey
	cur.Source = n.Source
	r.nodes[n.ID] = cur
	return false
}

// Remove retires a node. Removing an unknown ID is a no-op, not an error.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return false
	}
	delete(r.nodes, id)
	return true
}

func (r *Registry) Get(id string) (model.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// List returns all nodes ordered by ID.
func (r *Registry) List() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Subnets returns the distinct subnet keys present in the registry.
func (r *Registry) Subnets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, n := range r.nodes {
		if !seen[n.Subnet] {
			seen[n.Subnet] = true
			out = append(out, n.Subnet)
		}
	}
	sort.Strings(out)
	return out
}

// SetProbeState records the outcome of a probe round for one node. Only the
// prober calls this; it returns the node state prior to the update so the
// caller can detect transitions. Unknown IDs (node retired mid-probe) are
// ignored.
func (r *Registry) SetProbeState(id string, health model.HealthState, fails int, latencyMs int64, at time.Time) (prev model.Node, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, exists := r.nodes[id]
	if !exists {
		return model.Node{}, false
	}
	prev = cur

	cur.Health = health
	cur.ConsecutiveFails = fails
	cur.LastProbe = at
	if latencyMs > 0 {
		cur.LatencyMs = latencyMs
	}
	if health == model.HealthHealthy {
		cur.LastHealthy = at
	}
	r.nodes[id] = cur
	return prev, true
}
