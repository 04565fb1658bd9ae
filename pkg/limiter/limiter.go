package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrBackpressure means the gateway as a whole is over capacity:
	// either the global cap plus queue is full or the wait bound expired.
	ErrBackpressure = errors.New("limiter: over capacity")

	// ErrNodeSaturated means one node's cap is exhausted. Callers holding
	// other candidates should skip to the next node instead of failing.
	ErrNodeSaturated = errors.New("limiter: node saturated")
)

type Config struct {
	PerNode    int64
	Global     int64
	QueueDepth int64
	QueueWait  time.Duration
}

// Limiter bounds concurrent upstream work, globally and per node. Callers
// over the global cap may queue, at most QueueDepth deep and at most
// QueueWait long; per-node saturation is reported immediately so failover
// can try another replica.
type Limiter struct {
	cfg    Config
	global *semaphore.Weighted

	mu      sync.Mutex
	waiters int64
	nodes   map[string]*nodeSlot
}

type nodeSlot struct {
	sem      *semaphore.Weighted
	inflight int64
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:    cfg,
		global: semaphore.NewWeighted(cfg.Global),
		nodes:  make(map[string]*nodeSlot),
	}
}

// Acquire claims one slot against the global and the node cap. On success
// the returned release must be called exactly once; it is safe to call from
// a different goroutine. A caller whose context dies while queued never
// leaks a slot.
func (l *Limiter) Acquire(ctx context.Context, nodeID string) (func(), error) {
	if err := l.acquireGlobal(ctx); err != nil {
		return nil, err
	}

	slot := l.slot(nodeID)
	if !slot.sem.TryAcquire(1) {
		l.global.Release(1)
		return nil, ErrNodeSaturated
	}

	l.mu.Lock()
	slot.inflight++
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			slot.inflight--
			l.mu.Unlock()
			slot.sem.Release(1)
			l.global.Release(1)
		})
	}
	return release, nil
}

func (l *Limiter) acquireGlobal(ctx context.Context) error {
	if l.global.TryAcquire(1) {
		return nil
	}

	// full: queue if there is room, bounded by QueueWait and ctx
	l.mu.Lock()
	if l.waiters >= l.cfg.QueueDepth {
		l.mu.Unlock()
		return ErrBackpressure
	}
	l.waiters++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiters--
		l.mu.Unlock()
	}()

	wctx := ctx
	if l.cfg.QueueWait > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, l.cfg.QueueWait)
		defer cancel()
	}
	if err := l.global.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBackpressure
	}
	return nil
}

func (l *Limiter) slot(nodeID string) *nodeSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.nodes[nodeID]
	if !ok {
		s = &nodeSlot{sem: semaphore.NewWeighted(l.cfg.PerNode)}
		l.nodes[nodeID] = s
	}
	return s
}

// Forget drops per-node state after a node is retired. In-flight holders
// release against the slot they already have; new acquires for the same ID
// would start a fresh slot.
func (l *Limiter) Forget(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, nodeID)
}

// InFlight reports the current in-flight count for a node.
func (l *Limiter) InFlight(nodeID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.nodes[nodeID]; ok {
		return s.inflight
	}
	return 0
}

// Waiters reports how many callers are queued on the global cap.
func (l *Limiter) Waiters() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters
}
