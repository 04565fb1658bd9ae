package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fleetgate/pkg/limiter"
	"fleetgate/pkg/metrics"
	"fleetgate/pkg/model"
	"fleetgate/pkg/routing"
)

// Request is one client-facing unit of work bound for some replica in a
// subnet. Idempotent requests may be retried across nodes; mutating ones
// get exactly one attempt.
type Request struct {
	ID          string
	Subnet      string
	Path        string
	Body        []byte
	ContentType string
	Idempotent  bool
}

// Response mirrors whatever the chosen replica answered, plus which node
// served it and how many attempts it took.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	NodeID      string
	Attempts    int
}

type Config struct {
	RetryBudget   int
	PerTryTimeout time.Duration
}

// Dispatcher forwards requests to replicas picked from the current routing
// snapshot: primaries in round-robin order, then fallbacks, at most one
// attempt per node, bounded by the retry budget and the limiter.
type Dispatcher struct {
	cfg    Config
	snap   func() *routing.Snapshot
	lim    *limiter.Limiter
	log    *zap.Logger
	client *http.Client
	hint   func(nodeID string)

	mu      sync.RWMutex
	cursors map[string]*atomic.Uint64
}

func New(cfg Config, snap func() *routing.Snapshot, lim *limiter.Limiter, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		snap:    snap,
		lim:     lim,
		log:     log,
		client:  &http.Client{},
		cursors: make(map[string]*atomic.Uint64),
	}
}

// SetHint registers the prober's failure hint. Called after transport
// failures only; responses, whatever their status, are not failures.
func (d *Dispatcher) SetHint(fn func(nodeID string)) {
	d.hint = fn
}

// SetTransport replaces the upstream HTTP client, for tests.
func (d *Dispatcher) SetTransport(c *http.Client) {
	d.client = c
}

// Dispatch picks candidates from the live snapshot and forwards the request.
// The returned Response is non-nil whenever a replica answered, even if err
// carries ErrUpstream for a 5xx; both are nil only never.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	route, ok := d.snap().Route(req.Subnet)
	if !ok || !route.Serveable() {
		metrics.Incr(metrics.KeyDispatchError)
		return nil, &Error{Kind: ErrNoEligibleNode, Subnet: req.Subnet}
	}

	k := d.rotation(req.Subnet)
	candidates := rotate(route.Primaries, k)
	candidates = append(candidates, rotate(route.Fallbacks, k)...)

	maxAttempts := 1
	if req.Idempotent {
		maxAttempts = d.cfg.RetryBudget + 1
	}

	var (
		attempts int
		lastErr  error
		lastNode string
	)
	tried := make(map[string]bool, len(candidates))

	for _, n := range candidates {
		if attempts >= maxAttempts {
			break
		}
		if tried[n.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		release, err := d.lim.Acquire(ctx, n.ID)
		if err != nil {
			if errors.Is(err, limiter.ErrNodeSaturated) {
				// not an attempt; the next candidate may have room
				continue
			}
			if errors.Is(err, limiter.ErrBackpressure) {
				metrics.Incr(metrics.KeyBackpressure)
				return nil, &Error{Kind: ErrBackpressure, Subnet: req.Subnet, Attempts: attempts, cause: err}
			}
			return nil, err
		}

		tried[n.ID] = true
		attempts++
		metrics.Incr(metrics.KeyDispatchAttempt)
		if attempts > 1 {
			metrics.Incr(metrics.KeyDispatchRetry)
		}

		resp, err := d.forward(ctx, n, req, attempts)
		release()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr, lastNode = err, n.ID
			metrics.Incr(metrics.KeyDispatchFailover)
			d.log.Warn("attempt failed",
				zap.String("request", req.ID),
				zap.String("subnet", req.Subnet),
				zap.String("node", n.ID),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			if d.hint != nil {
				d.hint(n.ID)
			}
			continue
		}

		// a received response is final, success or not
		if resp.Status >= http.StatusInternalServerError {
			metrics.Incr(metrics.KeyDispatchError)
			return resp, &Error{
				Kind:     ErrUpstream,
				Subnet:   req.Subnet,
				NodeID:   n.ID,
				Attempts: attempts,
				cause:    fmt.Errorf("upstream status %d", resp.Status),
			}
		}
		metrics.Incr(metrics.KeyDispatchSuccess)
		return resp, nil
	}

	metrics.Incr(metrics.KeyDispatchError)
	if attempts == 0 {
		// nothing even started: every candidate was saturated
		metrics.Incr(metrics.KeyBackpressure)
		return nil, &Error{Kind: ErrBackpressure, Subnet: req.Subnet, cause: limiter.ErrNodeSaturated}
	}
	return nil, &Error{
		Kind:     ErrRetryBudgetExhausted,
		Subnet:   req.Subnet,
		NodeID:   lastNode,
		Attempts: attempts,
		cause:    lastErr,
	}
}

// forward runs one attempt against one node under the per-try timeout.
func (d *Dispatcher) forward(ctx context.Context, n model.Node, req Request, attempt int) (*Response, error) {
	tctx := ctx
	if d.cfg.PerTryTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, d.cfg.PerTryTimeout)
		defer cancel()
	}

	url := strings.TrimRight(n.Addr, "/") + req.Path
	hreq, err := http.NewRequestWithContext(tctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &Error{Kind: ErrNodeUnreachable, Subnet: req.Subnet, NodeID: n.ID, Attempts: attempt, cause: err}
	}
	if req.ContentType != "" {
		hreq.Header.Set("Content-Type", req.ContentType)
	}
	hreq.Header.Set("X-Request-Id", req.ID)

	hres, err := d.client.Do(hreq)
	if err != nil {
		return nil, &Error{Kind: ErrNodeUnreachable, Subnet: req.Subnet, NodeID: n.ID, Attempts: attempt, cause: err}
	}
	defer hres.Body.Close()

	body, err := io.ReadAll(hres.Body)
	if err != nil {
		return nil, &Error{Kind: ErrNodeUnreachable, Subnet: req.Subnet, NodeID: n.ID, Attempts: attempt, cause: err}
	}

	return &Response{
		Status:      hres.StatusCode,
		ContentType: hres.Header.Get("Content-Type"),
		Body:        body,
		NodeID:      n.ID,
		Attempts:    attempt,
	}, nil
}

// rotation returns the starting offset for a subnet and advances its
// cursor. Cursors belong to the dispatcher, not the snapshot, so rotation
// keeps its place across republishes.
func (d *Dispatcher) rotation(subnet string) uint64 {
	d.mu.RLock()
	c, ok := d.cursors[subnet]
	d.mu.RUnlock()
	if !ok {
		d.mu.Lock()
		c, ok = d.cursors[subnet]
		if !ok {
			c = &atomic.Uint64{}
			d.cursors[subnet] = c
		}
		d.mu.Unlock()
	}
	return c.Add(1) - 1
}

// rotate returns nodes shifted left by k mod len, as a fresh slice. The
// snapshot's own slices are shared and must not be reordered in place.
func rotate(nodes []model.Node, k uint64) []model.Node {
	if len(nodes) == 0 {
		return nil
	}
	off := int(k % uint64(len(nodes)))
	out := make([]model.Node, 0, len(nodes))
	out = append(out, nodes[off:]...)
	out = append(out, nodes[:off]...)
	return out
}
