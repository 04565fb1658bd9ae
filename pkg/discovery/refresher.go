package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetgate/pkg/model"
	"fleetgate/pkg/registry"
)

// Refresher keeps the registry aligned with the discovery sources: on an
// interval (and immediately on Kick, wired to source watches) it fetches
// every source, upserts what it announces and retires what it dropped. A
// source only ever retires nodes it owns, so admin-registered nodes and
// nodes from other sources are untouched by its churn.
type Refresher struct {
	interval time.Duration
	sources  []Source
	reg      *registry.Registry
	log      *zap.Logger

	kick     chan struct{}
	onEvent  func(model.Event)
	onRetire func(nodeID string)
	notify   func()
}

func NewRefresher(interval time.Duration, sources []Source, reg *registry.Registry, log *zap.Logger) *Refresher {
	return &Refresher{
		interval: interval,
		sources:  sources,
		reg:      reg,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
}

// SetOnEvent registers the churn event sink (journal, websocket hub).
func (r *Refresher) SetOnEvent(fn func(model.Event)) { r.onEvent = fn }

// SetOnRetire registers per-node teardown, e.g. dropping limiter state.
func (r *Refresher) SetOnRetire(fn func(nodeID string)) { r.onRetire = fn }

// SetNotify registers the routing publisher nudge.
func (r *Refresher) SetNotify(fn func()) { r.notify = fn }

// Kick requests a prompt refresh. Non-blocking; bursts coalesce.
func (r *Refresher) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run refreshes immediately, then on every interval tick and every Kick,
// until ctx is canceled.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RefreshOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RefreshOnce(ctx)
		case <-r.kick:
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce fetches all sources and folds their sets into the registry.
// A fetch error keeps that source's last known nodes in place; an outage
// of the discovery backend must not retire a working fleet.
func (r *Refresher) RefreshOnce(ctx context.Context) {
	changed := false
	now := time.Now()

	for _, src := range r.sources {
		nodes, err := src.Fetch(ctx)
		if err != nil {
			r.log.Warn("discovery fetch failed",
				zap.String("source", src.Name()), zap.Error(err))
			continue
		}

		announced := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			n.Source = src.Name()
			announced[n.ID] = true
			if r.reg.Upsert(n) {
				changed = true
				r.log.Info("node discovered",
					zap.String("node", n.ID),
					zap.String("subnet", n.Subnet),
					zap.String("source", src.Name()),
				)
				r.emit(model.Event{
					Type:      model.EventNodeRegistered,
					NodeID:    n.ID,
					Subnet:    n.Subnet,
					Detail:    "discovered via " + src.Name(),
					Timestamp: now,
				})
			}
		}

		for _, cur := range r.reg.List() {
			if cur.Source != src.Name() || announced[cur.ID] {
				continue
			}
			if !r.reg.Remove(cur.ID) {
				continue
			}
			changed = true
			if r.onRetire != nil {
				r.onRetire(cur.ID)
			}
			r.log.Info("node retired",
				zap.String("node", cur.ID),
				zap.String("subnet", cur.Subnet),
				zap.String("source", src.Name()),
			)
			r.emit(model.Event{
				Type:      model.EventNodeRetired,
				NodeID:    cur.ID,
				Subnet:    cur.Subnet,
				Detail:    "dropped by " + src.Name(),
				Timestamp: now,
			})
		}
	}

	if changed && r.notify != nil {
		r.notify()
	}
}

func (r *Refresher) emit(e model.Event) {
	if r.onEvent != nil {
		r.onEvent(e)
	}
}
