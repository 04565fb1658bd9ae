package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetgate/pkg/dispatch"
	"fleetgate/pkg/limiter"
	"fleetgate/pkg/model"
	"fleetgate/pkg/probe"
	"fleetgate/pkg/registry"
	"fleetgate/pkg/routing"
	"fleetgate/pkg/store"
)

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	reg := registry.New()
	pub := routing.NewPublisher(time.Minute, reg, zap.NewNop())
	lim := limiter.New(limiter.Config{PerNode: 8, Global: 64, QueueDepth: 8, QueueWait: time.Second})
	disp := dispatch.New(dispatch.Config{RetryBudget: 2, PerTryTimeout: 2 * time.Second}, pub.Current, lim, zap.NewNop())
	prb := probe.New(probe.Config{
		Interval:   time.Minute,
		Timeout:    time.Second,
		Thresholds: probe.Thresholds{DegradeAfter: 3, CondemnAfter: 3},
	}, reg, zap.NewNop())

	return &Deps{
		Registry:   reg,
		Publisher:  pub,
		Dispatcher: disp,
		Prober:     prb,
		Limiter:    lim,
		Journal:    store.NewMemoryJournal(64),
		Hub:        NewEventHub(zap.NewNop()),
		Log:        zap.NewNop(),
	}
}

func newGatewayServer(t *testing.T, d *Deps) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	RegisterClientRoutes(mux, d)
	RegisterAdminRoutes(mux, d)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// addHealthyNode registers a node backed by a live httptest replica and
// publishes a snapshot that routes to it.
func addHealthyNode(t *testing.T, d *Deps, id, subnet string, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	replica := httptest.NewServer(handler)
	t.Cleanup(replica.Close)
	d.Registry.Upsert(model.Node{ID: id, Subnet: subnet, Addr: replica.URL, Source: model.SourceAdmin})
	_, ok := d.Registry.SetProbeState(id, model.HealthHealthy, 0, 5, time.Now())
	require.True(t, ok)
	d.Publisher.Rebuild()
	return replica
}

func TestStatusEndpoint(t *testing.T) {
	d := newTestDeps(t)
	d.Registry.Upsert(model.Node{ID: "a", Subnet: "tenant-a", Addr: "http://a"})
	d.Registry.SetProbeState("a", model.HealthHealthy, 0, 5, time.Now())
	d.Registry.Upsert(model.Node{ID: "b", Subnet: "tenant-a", Addr: "http://b"})
	d.Publisher.Rebuild()

	srv := newGatewayServer(t, d)
	res, err := http.Get(srv.URL + "/api/v2/status")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.Equal(t, uint64(1), status.SnapshotVersion)
	assert.Equal(t, 2, status.Nodes)
	require.Len(t, status.Subnets, 1)
	assert.Equal(t, "tenant-a", status.Subnets[0].Subnet)
	assert.Equal(t, 1, status.Subnets[0].Healthy)
	assert.Equal(t, 1, status.Subnets[0].Degraded, "unprobed node still counts as fallback")
	assert.True(t, status.Subnets[0].Available)
}

func TestQueryProxiesToReplica(t *testing.T) {
	d := newTestDeps(t)
	addHealthyNode(t, d, "r1", "tenant-a", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/query", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})

	srv := newGatewayServer(t, d)
	res, err := http.Post(srv.URL+"/api/v2/subnet/tenant-a/query", "application/json",
		bytes.NewReader([]byte(`{"ping":1}`)))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "r1", res.Header.Get("X-Served-By"))
	assert.NotEmpty(t, res.Header.Get("X-Request-Id"))
	body, _ := io.ReadAll(res.Body)
	assert.JSONEq(t, `{"ping":1}`, string(body))
}

func TestCallHitsCallPath(t *testing.T) {
	d := newTestDeps(t)
	addHealthyNode(t, d, "r1", "tenant-a", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/call", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	srv := newGatewayServer(t, d)
	res, err := http.Post(srv.URL+"/api/v2/subnet/tenant-a/call", "application/octet-stream",
		bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestNoEligibleNodeMapsTo503(t *testing.T) {
	d := newTestDeps(t)
	d.Publisher.Rebuild()
	srv := newGatewayServer(t, d)

	res, err := http.Post(srv.URL+"/api/v2/subnet/ghost/query", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "no_eligible_node", body.Error)
	assert.NotEmpty(t, body.RequestID)
}

func TestRetryBudgetExhaustedMapsTo502(t *testing.T) {
	d := newTestDeps(t)
	// node whose address points at a closed listener
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := dead.URL
	dead.Close()
	d.Registry.Upsert(model.Node{ID: "r1", Subnet: "tenant-a", Addr: addr})
	d.Registry.SetProbeState("r1", model.HealthHealthy, 0, 5, time.Now())
	d.Publisher.Rebuild()

	srv := newGatewayServer(t, d)
	res, err := http.Post(srv.URL+"/api/v2/subnet/tenant-a/query", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "retry_budget_exhausted", body.Error)
}

func TestBackpressureMapsTo429(t *testing.T) {
	d := newTestDeps(t)
	d.Limiter = limiter.New(limiter.Config{PerNode: 1, Global: 1, QueueDepth: 0})
	d.Dispatcher = dispatch.New(dispatch.Config{RetryBudget: 2, PerTryTimeout: time.Second},
		d.Publisher.Current, d.Limiter, zap.NewNop())
	addHealthyNode(t, d, "r1", "tenant-a", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	release, err := d.Limiter.Acquire(t.Context(), "other")
	require.NoError(t, err)
	defer release()

	srv := newGatewayServer(t, d)
	res, err := http.Post(srv.URL+"/api/v2/subnet/tenant-a/query", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "backpressure", body.Error)
}

func TestUpstream5xxMirrored(t *testing.T) {
	d := newTestDeps(t)
	addHealthyNode(t, d, "r1", "tenant-a", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("replica overloaded"))
	})

	srv := newGatewayServer(t, d)
	res, err := http.Post(srv.URL+"/api/v2/subnet/tenant-a/query", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "r1", res.Header.Get("X-Served-By"), "upstream response is mirrored, not replaced")
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "replica overloaded", string(body))
}

func TestSubnetPathValidation(t *testing.T) {
	d := newTestDeps(t)
	srv := newGatewayServer(t, d)

	res, err := http.Get(srv.URL + "/api/v2/subnet/tenant-a/query")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	for _, path := range []string{
		"/api/v2/subnet/tenant-a",
		"/api/v2/subnet/tenant-a/",
		"/api/v2/subnet//query",
		"/api/v2/subnet/tenant-a/purge",
	} {
		res, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(nil))
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusNotFound, res.StatusCode, path)
	}
}

func TestClientTokenGuardsDispatch(t *testing.T) {
	d := newTestDeps(t)
	d.ClientToken = "c1ient"
	d.Publisher.Rebuild()
	srv := newGatewayServer(t, d)

	res, err := http.Post(srv.URL+"/api/v2/subnet/tenant-a/query", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v2/subnet/tenant-a/query",
		bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Auth-Token", "c1ient")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, "auth passes, empty routing table answers")
}
