package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"fleetgate/pkg/api"
	"fleetgate/pkg/version"
)

// replicasim is a development replica: it answers the gateway's status
// probes and forwarded query/call requests, with configurable latency and
// failure injection, and can self-register on startup.
func main() {
	defaultID := os.Getenv("REPLICA_ID")
	defaultGateway := os.Getenv("GATEWAY_ADDR")
	if defaultGateway == "" {
		defaultGateway = "http://127.0.0.1:8480"
	}
	defaultToken := os.Getenv("AUTH_TOKEN")

	replicaID := flag.String("id", defaultID, "replica id (overrides REPLICA_ID env)")
	subnet := flag.String("subnet", "tenant-a", "subnet this replica belongs to")
	addr := flag.String("addr", ":8100", "listen address")
	advertise := flag.String("advertise", "", "advertised base URL (defaults to http://127.0.0.1 plus the listen port)")
	gateway := flag.String("gateway", defaultGateway, "gateway base URL (env GATEWAY_ADDR)")
	authToken := flag.String("token", defaultToken, "admin token for registration (env AUTH_TOKEN)")
	publicKey := flag.String("pub", "", "opaque public key reference sent on registration")
	register := flag.Bool("register", true, "self-register with the gateway on startup")
	failRate := flag.Float64("fail-rate", 0, "fraction of answers turned into 500s, in [0,1]")
	latency := flag.Duration("latency", 0, "artificial delay added to every answer")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("replicasim version=%s", version.Build)
		return
	}
	if *replicaID == "" {
		log.Fatal("replica id is required (flag --id or env REPLICA_ID)")
	}

	base := *advertise
	if base == "" {
		if strings.HasPrefix(*addr, ":") {
			base = "http://127.0.0.1" + *addr
		} else {
			base = "http://" + *addr
		}
	}

	sim := &replica{
		id:       *replicaID,
		subnet:   *subnet,
		failRate: *failRate,
		latency:  *latency,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/status", sim.handleStatus)
	mux.HandleFunc("/api/v2/query", sim.handleExchange)
	mux.HandleFunc("/api/v2/call", sim.handleExchange)

	if *register {
		resp, err := registerWithGateway(*gateway, *authToken, api.NodeRegistrationRequest{
			ID:        *replicaID,
			Subnet:    *subnet,
			Addr:      base,
			PublicKey: *publicKey,
		})
		if err != nil {
			log.Fatalf("register failed: %v", err)
		}
		log.Printf("registered node=%s subnet=%s addr=%s health=%s message=%s",
			resp.Node.ID, resp.Node.Subnet, resp.Node.Addr, resp.Node.Health, resp.Message)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("replicasim version=%s listening on %s (subnet=%s fail-rate=%.2f latency=%s)",
		version.Build, *addr, *subnet, *failRate, *latency)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

type replica struct {
	id       string
	subnet   string
	failRate float64
	latency  time.Duration
	served   atomic.Int64
}

func (r *replica) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.delay()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     r.id,
		"subnet": r.subnet,
		"served": r.served.Load(),
		"build":  version.Build,
	})
}

func (r *replica) handleExchange(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.delay()
	if r.failRate > 0 && rand.Float64() < r.failRate {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node":    r.id,
		"subnet":  r.subnet,
		"op":      strings.TrimPrefix(req.URL.Path, "/api/v2/"),
		"served":  r.served.Add(1),
		"request": req.Header.Get("X-Request-Id"),
		"echo":    string(body),
	})
}

func (r *replica) delay() {
	if r.latency > 0 {
		time.Sleep(r.latency)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// registerWithGateway announces this replica to the gateway admin API. The
// gateway may still be coming up alongside us, so a refused connection is
// retried a few times before giving up.
func registerWithGateway(gateway, token string, reg api.NodeRegistrationRequest) (api.RegistrationResponse, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return api.RegistrationResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(gateway, "/") + "/api/v1/nodes/register"
	client := &http.Client{Timeout: 10 * time.Second}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(2 * time.Second)
		}

		httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return api.RegistrationResponse{}, fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("post: %w", err)
			continue
		}
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("gateway returned %s body=%s", resp.Status, strings.TrimSpace(string(b)))
			continue
		}

		var out api.RegistrationResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return api.RegistrationResponse{}, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	}
	return api.RegistrationResponse{}, lastErr
}
