package routing

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fleetgate/pkg/metrics"
	"fleetgate/pkg/model"
	"fleetgate/pkg/registry"
)

// Publisher owns the live routing snapshot. Rebuilds happen on a fixed
// cadence and immediately after a health transition (via Notify); the
// request path only ever calls Current, a single atomic pointer load.
type Publisher struct {
	reg      *registry.Registry
	log      *zap.Logger
	interval time.Duration

	cur       atomic.Pointer[Snapshot]
	version   atomic.Uint64
	notify    chan struct{}
	onPublish func(model.Event)
}

func NewPublisher(interval time.Duration, reg *registry.Registry, log *zap.Logger) *Publisher {
	p := &Publisher{
		reg:      reg,
		log:      log,
		interval: interval,
		notify:   make(chan struct{}, 1),
	}
	p.cur.Store(&Snapshot{Version: 0, BuiltAt: time.Now(), Subnets: map[string]SubnetRoute{}})
	return p
}

// SetOnPublish registers a callback invoked after every swap.
func (p *Publisher) SetOnPublish(fn func(model.Event)) {
	p.onPublish = fn
}

// Current returns the snapshot in effect. Never nil; version 0 means
// nothing has been published yet.
func (p *Publisher) Current() *Snapshot {
	return p.cur.Load()
}

// Notify requests a prompt republish. Non-blocking; bursts coalesce into a
// single rebuild.
func (p *Publisher) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Rebuild lists the registry, builds a fresh snapshot and swaps it in.
// Serialized by the Run loop; safe to call directly before Run starts.
func (p *Publisher) Rebuild() *Snapshot {
	snap := BuildSnapshot(p.version.Add(1), p.reg.List())
	p.cur.Store(snap)
	metrics.Incr(metrics.KeySnapshotPublish)
	for name, r := range snap.Subnets {
		metrics.Gauge([]string{"routing", "subnet", name, "healthy"}, float32(len(r.Primaries)))
		metrics.Gauge([]string{"routing", "subnet", name, "degraded"}, float32(len(r.Fallbacks)))
	}

	p.log.Debug("routing snapshot published",
		zap.Uint64("version", snap.Version),
		zap.Int("subnets", len(snap.Subnets)),
	)
	if p.onPublish != nil {
		p.onPublish(model.Event{
			Type:      model.EventSnapshotPublish,
			Version:   snap.Version,
			Timestamp: snap.BuiltAt,
		})
	}
	return snap
}

// Run publishes immediately, then on every cadence tick and every Notify,
// until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Rebuild()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Rebuild()
		case <-p.notify:
			p.Rebuild()
		}
	}
}
