package probe

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetgate/pkg/metrics"
	"fleetgate/pkg/model"
	"fleetgate/pkg/registry"
)

// CheckFunc performs one liveness check against a node. Injectable so tests
// can drive the state machine without real sockets.
type CheckFunc func(ctx context.Context, n model.Node) model.ProbeResult

type Config struct {
	Interval      time.Duration
	Timeout       time.Duration
	Jitter        float64 // fraction of Interval, [0,1)
	SlowThreshold time.Duration
	Parallelism   int
	Thresholds    Thresholds
}

// Prober sweeps every registered node on a jittered interval and drives the
// health state machine. It is the only writer of node health; the dispatcher
// can hint at trouble via ReportFailure but never flips state itself.
type Prober struct {
	cfg    Config
	reg    *registry.Registry
	log    *zap.Logger
	client *http.Client

	check        CheckFunc
	onTransition func(model.Event)
	notify       func()

	hints     chan string
	mu        sync.Mutex
	lastHints map[string]time.Time
}

func New(cfg Config, reg *registry.Registry, log *zap.Logger) *Prober {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 16
	}
	p := &Prober{
		cfg:       cfg,
		reg:       reg,
		log:       log,
		client:    &http.Client{Timeout: cfg.Timeout},
		hints:     make(chan string, 64),
		lastHints: make(map[string]time.Time),
	}
	p.check = p.httpCheck
	return p
}

// SetCheckFunc replaces the probe transport, for tests.
func (p *Prober) SetCheckFunc(fn CheckFunc) {
	p.check = fn
}

// SetOnTransition registers a callback invoked once per health transition.
func (p *Prober) SetOnTransition(fn func(model.Event)) {
	p.onTransition = fn
}

// SetNotify registers the routing publisher nudge, called after any sweep
// that changed at least one node's state.
func (p *Prober) SetNotify(fn func()) {
	p.notify = fn
}

// RequestProbe schedules a prompt out-of-band probe of one node, e.g.
// right after registration. Non-blocking, throttled per node.
func (p *Prober) RequestProbe(nodeID string) {
	select {
	case p.hints <- nodeID:
	default:
	}
}

// ReportFailure hints that traffic to a node just failed. The run loop
// schedules a prompt re-probe, throttled per node so a failover storm
// cannot turn the prober into a second load generator.
func (p *Prober) ReportFailure(nodeID string) {
	p.RequestProbe(nodeID)
}

// Run blocks, sweeping all nodes every Interval (jittered) and servicing
// hint probes in between, until ctx is canceled.
func (p *Prober) Run(ctx context.Context) error {
	timer := time.NewTimer(0) // first sweep immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			p.Sweep(ctx)
			timer.Reset(p.nextInterval())
		case id := <-p.hints:
			if p.allowHint(id) {
				p.probeOne(ctx, id)
			}
		}
	}
}

// Sweep probes every registered node once with bounded fan-out.
func (p *Prober) Sweep(ctx context.Context) {
	nodes := p.reg.List()
	if len(nodes) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallelism)
	changed := make(chan struct{}, len(nodes))

	for _, n := range nodes {
		g.Go(func() error {
			res := p.check(gctx, n)
			if p.apply(n, res) {
				changed <- struct{}{}
			}
			return nil
		})
	}
	g.Wait()
	close(changed)

	if len(changed) > 0 && p.notify != nil {
		p.notify()
	}
}

func (p *Prober) probeOne(ctx context.Context, id string) {
	n, ok := p.reg.Get(id)
	if !ok {
		return
	}
	res := p.check(ctx, n)
	if p.apply(n, res) && p.notify != nil {
		p.notify()
	}
}

// apply folds one probe result into the registry. Returns true when the
// node's health state changed.
func (p *Prober) apply(n model.Node, res model.ProbeResult) bool {
	if res.Good {
		metrics.Incr(metrics.KeyProbeSuccess)
	} else {
		metrics.Incr(metrics.KeyProbeFailure)
	}

	next, fails := p.cfg.Thresholds.Next(n.Health, n.ConsecutiveFails, res.Good)
	prev, ok := p.reg.SetProbeState(n.ID, next, fails, res.LatencyMs, res.CheckedAt)
	if !ok {
		return false // retired mid-probe
	}
	if prev.Health == next {
		return false
	}

	metrics.Incr(metrics.KeyTransitions)
	p.log.Info("node health transition",
		zap.String("node", n.ID),
		zap.String("subnet", n.Subnet),
		zap.String("from", string(prev.Health)),
		zap.String("to", string(next)),
		zap.Int("fails", fails),
		zap.String("err", res.Err),
	)
	if p.onTransition != nil {
		p.onTransition(model.Event{
			Type:      model.EventHealthTransition,
			NodeID:    n.ID,
			Subnet:    n.Subnet,
			From:      string(prev.Health),
			To:        string(next),
			Detail:    res.Err,
			Timestamp: res.CheckedAt,
		})
	}
	return true
}

// allowHint rate-limits hint probes to one per node per half interval.
func (p *Prober) allowHint(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if last, ok := p.lastHints[id]; ok && now.Sub(last) < p.cfg.Interval/2 {
		return false
	}
	p.lastHints[id] = now
	return true
}

func (p *Prober) nextInterval() time.Duration {
	if p.cfg.Jitter <= 0 {
		return p.cfg.Interval
	}
	span := float64(p.cfg.Interval) * p.cfg.Jitter
	off := (rand.Float64()*2 - 1) * span
	return time.Duration(float64(p.cfg.Interval) + off)
}

// httpCheck is the default probe: GET {addr}/api/v2/status. Any 2xx/3xx
// inside the slow threshold is good; slow answers count against the state
// machine but still report their latency.
func (p *Prober) httpCheck(ctx context.Context, n model.Node) model.ProbeResult {
	started := time.Now()
	res := model.ProbeResult{NodeID: n.ID, CheckedAt: started}

	url := strings.TrimRight(n.Addr, "/") + "/api/v2/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	resp, err := p.client.Do(req)
	res.LatencyMs = time.Since(started).Milliseconds()
	if err != nil {
		res.LatencyMs = 0
		res.Err = err.Error()
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		res.Err = fmt.Sprintf("status %d", resp.StatusCode)
		return res
	}
	if lat := time.Duration(res.LatencyMs) * time.Millisecond; lat > p.cfg.SlowThreshold && p.cfg.SlowThreshold > 0 {
		res.Err = fmt.Sprintf("slow: %dms", res.LatencyMs)
		return res
	}
	res.Good = true
	return res
}
