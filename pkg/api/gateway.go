package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetgate/pkg/dispatch"
	"fleetgate/pkg/version"
)

// maxRequestBody caps proxied payloads; replicas carry their own limits,
// this one just keeps a single client from ballooning gateway memory.
const maxRequestBody = 8 << 20

// RegisterClientRoutes wires the client-facing API on the provided mux:
//
//	POST /api/v2/subnet/{subnet}/query  - idempotent, retried across nodes
//	POST /api/v2/subnet/{subnet}/call   - mutating, exactly one attempt
//	GET  /api/v2/status                 - gateway status document
//	GET  /healthz                       - liveness
func RegisterClientRoutes(mux *http.ServeMux, d *Deps) {
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("fleetgate boundary gateway"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v2/status", d.handleGatewayStatus)
	mux.HandleFunc("/api/v2/subnet/", d.handleSubnetDispatch)
}

func (d *Deps) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := d.Publisher.Current()

	resp := StatusResponse{
		Build:           version.Build,
		SnapshotVersion: snap.Version,
		SnapshotBuiltAt: snap.BuiltAt,
		Nodes:           d.Registry.Len(),
	}
	names := make([]string, 0, len(snap.Subnets))
	for name := range snap.Subnets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		route := snap.Subnets[name]
		resp.Subnets = append(resp.Subnets, SubnetStatus{
			Subnet:    name,
			Healthy:   len(route.Primaries),
			Degraded:  len(route.Fallbacks),
			Available: route.Serveable(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Deps) handleSubnetDispatch(w http.ResponseWriter, r *http.Request) {
	if !authFunc(d.ClientToken)(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subnet, op, ok := splitSubnetPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	var idempotent bool
	switch op {
	case "query":
		idempotent = true
	case "call":
		idempotent = false
	default:
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}

	resp, err := d.Dispatcher.Dispatch(r.Context(), dispatch.Request{
		ID:          id,
		Subnet:      subnet,
		Path:        "/api/v2/" + op,
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Idempotent:  idempotent,
	})
	if resp == nil {
		d.writeDispatchError(w, id, subnet, err)
		return
	}

	// a replica answered: mirror its response whatever the status; 5xx
	// additionally surfaced to logs/metrics through err
	if err != nil {
		d.Log.Warn("upstream error mirrored",
			zap.String("request", id),
			zap.String("subnet", subnet),
			zap.String("node", resp.NodeID),
			zap.Int("status", resp.Status),
		)
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("X-Request-Id", id)
	w.Header().Set("X-Served-By", resp.NodeID)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (d *Deps) writeDispatchError(w http.ResponseWriter, id, subnet string, err error) {
	status, kind := dispatchStatus(err)
	d.Log.Warn("dispatch failed",
		zap.String("request", id),
		zap.String("subnet", subnet),
		zap.String("kind", kind),
		zap.Error(err),
	)
	w.Header().Set("X-Request-Id", id)
	writeJSON(w, status, ErrorResponse{Error: kind, Detail: err.Error(), RequestID: id})
}

// dispatchStatus maps the dispatch error taxonomy onto HTTP so callers can
// tell "try again later" from "this subnet cannot serve".
func dispatchStatus(err error) (int, string) {
	switch {
	case errors.Is(err, dispatch.ErrNoEligibleNode):
		return http.StatusServiceUnavailable, "no_eligible_node"
	case errors.Is(err, dispatch.ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, dispatch.ErrRetryBudgetExhausted):
		return http.StatusBadGateway, "retry_budget_exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "request_canceled"
	default:
		return http.StatusBadGateway, "dispatch_failed"
	}
}

// splitSubnetPath parses /api/v2/subnet/{subnet}/{op}.
func splitSubnetPath(path string) (subnet, op string, ok bool) {
	rest := strings.TrimPrefix(path, "/api/v2/subnet/")
	if rest == path {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
