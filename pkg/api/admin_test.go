package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"fleetgate/pkg/auth"
	"fleetgate/pkg/model"
	"fleetgate/pkg/routing"
)

func adminGet(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func TestAdminTokenGuardsEndpoints(t *testing.T) {
	d := newTestDeps(t)
	d.AdminToken = "s3cret"
	srv := newGatewayServer(t, d)

	res := adminGet(t, srv.URL+"/api/v1/nodes", "")
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = adminGet(t, srv.URL+"/api/v1/nodes", "wrong")
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = adminGet(t, srv.URL+"/api/v1/nodes", "s3cret")
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// bearer form is accepted too
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/nodes", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	bres, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	bres.Body.Close()
	assert.Equal(t, http.StatusOK, bres.StatusCode)
}

func TestAdminJWTSessionAccepted(t *testing.T) {
	d := newTestDeps(t)
	d.AdminToken = "s3cret"
	// a non-nil DB switches on the JWT fallback; the auth handlers it
	// registers are not exercised here
	d.DB = &gorm.DB{}
	srv := newGatewayServer(t, d)

	token, _, err := auth.Generate(1, "ops", time.Hour)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/nodes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/nodes", nil)
	req.Header.Set("Authorization", "Bearer not-a-session")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestRegisterAndRemoveNode(t *testing.T) {
	d := newTestDeps(t)
	srv := newGatewayServer(t, d)

	payload := `{"id":"r9","subnet":"tenant-a","addr":"http://10.1.2.3:8100/","publicKey":"pk9"}`
	res, err := http.Post(srv.URL+"/api/v1/nodes/register", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var reg RegistrationResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&reg))
	res.Body.Close()
	assert.True(t, reg.Created)
	assert.Equal(t, "http://10.1.2.3:8100", reg.Node.Addr, "trailing slash is trimmed")
	assert.Equal(t, model.HealthDegraded, reg.Node.Health, "new nodes serve fallback-only")
	assert.Equal(t, model.SourceAdmin, reg.Node.Source)

	n, ok := d.Registry.Get("r9")
	require.True(t, ok)
	assert.Equal(t, "tenant-a", n.Subnet)

	events, err := d.Journal.ListEvents(0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventNodeRegistered, events[len(events)-1].Type)

	entries, err := d.Journal.ListAudit(0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "register", entries[len(entries)-1].Action)
	assert.Equal(t, "r9", entries[len(entries)-1].Target)

	// re-registering the same id updates the descriptor
	res, err = http.Post(srv.URL+"/api/v1/nodes/register", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&reg))
	res.Body.Close()
	assert.False(t, reg.Created)

	res, err = http.Post(srv.URL+"/api/v1/nodes/remove", "application/json", strings.NewReader(`{"id":"r9"}`))
	require.NoError(t, err)
	var rem RemovalResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rem))
	res.Body.Close()
	assert.True(t, rem.Removed)
	assert.Equal(t, 0, d.Registry.Len())

	// removing an unknown node is a no-op, not an error
	res, err = http.Post(srv.URL+"/api/v1/nodes/remove", "application/json", strings.NewReader(`{"id":"r9"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rem))
	res.Body.Close()
	assert.False(t, rem.Removed)
}

func TestRegisterValidation(t *testing.T) {
	d := newTestDeps(t)
	srv := newGatewayServer(t, d)

	cases := map[string]string{
		"missing id":     `{"subnet":"tenant-a","addr":"http://10.0.0.1:8100"}`,
		"missing subnet": `{"id":"r1","addr":"http://10.0.0.1:8100"}`,
		"relative addr":  `{"id":"r1","subnet":"tenant-a","addr":"10.0.0.1:8100"}`,
		"empty addr":     `{"id":"r1","subnet":"tenant-a","addr":""}`,
		"garbage json":   `{nope`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := http.Post(srv.URL+"/api/v1/nodes/register", "application/json", strings.NewReader(payload))
			require.NoError(t, err)
			res.Body.Close()
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
		})
	}
	assert.Equal(t, 0, d.Registry.Len(), "rejected registrations leave no trace")
}

func TestRoutingViewEndpoint(t *testing.T) {
	d := newTestDeps(t)
	d.Registry.Upsert(model.Node{ID: "a", Subnet: "tenant-a", Addr: "http://a"})
	d.Registry.SetProbeState("a", model.HealthHealthy, 0, 4, time.Now())
	d.Publisher.Rebuild()
	srv := newGatewayServer(t, d)

	res := adminGet(t, srv.URL+"/api/v1/routing", "")
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var snap routing.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	assert.Equal(t, uint64(1), snap.Version)
	route, ok := snap.Subnets["tenant-a"]
	require.True(t, ok)
	require.Len(t, route.Primaries, 1)
	assert.Equal(t, "a", route.Primaries[0].ID)
}

func TestEventsEndpointHonorsLimit(t *testing.T) {
	d := newTestDeps(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Journal.AppendEvent(model.Event{
			Type:      model.EventSnapshotPublish,
			Version:   uint64(i + 1),
			Timestamp: time.Now(),
		}))
	}
	srv := newGatewayServer(t, d)

	res := adminGet(t, srv.URL+"/api/v1/events?limit=2", "")
	var events []model.Event
	require.NoError(t, json.NewDecoder(res.Body).Decode(&events))
	res.Body.Close()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(5), events[1].Version, "tail returns the newest entries")

	res = adminGet(t, srv.URL+"/api/v1/events", "")
	require.NoError(t, json.NewDecoder(res.Body).Decode(&events))
	res.Body.Close()
	assert.Len(t, events, 5)
}

func TestVersionEndpoint(t *testing.T) {
	d := newTestDeps(t)
	srv := newGatewayServer(t, d)

	res := adminGet(t, srv.URL+"/api/v1/version", "")
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "dev", body["build"])
}

func TestMetricsEndpoint(t *testing.T) {
	d := newTestDeps(t)
	srv := newGatewayServer(t, d)

	res := adminGet(t, srv.URL+"/api/v1/metrics", "")
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, "no sink configured")

	sink := gometrics.NewInmemSink(10*time.Second, time.Hour)
	sink.IncrCounter([]string{"dispatch", "attempt"}, 1)
	d.Sink = sink

	res = adminGet(t, srv.URL+"/api/v1/metrics", "")
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(res.Body).Decode(&raw))
	assert.Contains(t, string(raw), "dispatch.attempt")
}
