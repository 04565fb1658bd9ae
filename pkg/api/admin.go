package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetgate/pkg/model"
	"fleetgate/pkg/version"
)

// RegisterAdminRoutes wires the management API. Every handler accepts the
// bootstrap token or, when the users DB is enabled, a JWT session.
func RegisterAdminRoutes(mux *http.ServeMux, d *Deps) {
	auth := d.adminAuth()

	mux.HandleFunc("/api/v1/nodes", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, d.Registry.List())
	})

	mux.HandleFunc("/api/v1/nodes/register", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req NodeRegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if req.ID == "" || req.Subnet == "" {
			http.Error(w, "id and subnet are required", http.StatusBadRequest)
			return
		}
		if u, err := url.Parse(req.Addr); err != nil || u.Scheme == "" || u.Host == "" {
			http.Error(w, "addr must be an absolute URL", http.StatusBadRequest)
			return
		}

		node := model.Node{
			ID:        req.ID,
			Subnet:    req.Subnet,
			Addr:      strings.TrimRight(req.Addr, "/"),
			PublicKey: req.PublicKey,
			Source:    model.SourceAdmin,
		}
		created := d.Registry.Upsert(node)
		d.audit(actorFrom(r), "register", node.ID, "subnet="+node.Subnet+" addr="+node.Addr)
		if created {
			d.emitEvent(model.Event{
				Type:      model.EventNodeRegistered,
				NodeID:    node.ID,
				Subnet:    node.Subnet,
				Detail:    "registered via admin api",
				Timestamp: time.Now(),
			})
		}
		// make the node routable (fallback tier) right away and get its
		// first probe scheduled instead of waiting out the sweep interval
		d.Publisher.Notify()
		if d.Prober != nil {
			d.Prober.RequestProbe(node.ID)
		}
		d.Log.Info("node registered",
			zap.String("node", node.ID),
			zap.String("subnet", node.Subnet),
			zap.Bool("created", created),
		)

		stored, _ := d.Registry.Get(node.ID)
		msg := "descriptor updated"
		if created {
			msg = "registered; serving as fallback until first probe succeeds"
		}
		writeJSON(w, http.StatusOK, RegistrationResponse{Node: stored, Created: created, Message: msg})
	})

	mux.HandleFunc("/api/v1/nodes/remove", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req NodeRemovalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		node, _ := d.Registry.Get(req.ID)
		removed := d.Registry.Remove(req.ID)
		d.audit(actorFrom(r), "remove", req.ID, "")
		if removed {
			if d.Limiter != nil {
				d.Limiter.Forget(req.ID)
			}
			d.emitEvent(model.Event{
				Type:      model.EventNodeRetired,
				NodeID:    req.ID,
				Subnet:    node.Subnet,
				Detail:    "removed via admin api",
				Timestamp: time.Now(),
			})
			d.Publisher.Notify()
			d.Log.Info("node removed", zap.String("node", req.ID))
		}
		// removing an unknown node is a no-op, not an error
		writeJSON(w, http.StatusOK, RemovalResponse{Removed: removed})
	})

	mux.HandleFunc("/api/v1/routing", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, d.Publisher.Current())
	})

	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		events, err := d.Journal.ListEvents(queryLimit(r, 50))
		if err != nil {
			http.Error(w, "failed to list events", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, events)
	})

	mux.HandleFunc("/api/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		entries, err := d.Journal.ListAudit(queryLimit(r, 50))
		if err != nil {
			http.Error(w, "failed to list audit", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("/api/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if d.Sink == nil {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
			return
		}
		summary, err := d.Sink.DisplayMetrics(w, r)
		if err != nil {
			http.Error(w, "failed to collect metrics", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Info())
	})

	mux.HandleFunc("/api/v1/events/ws", func(w http.ResponseWriter, r *http.Request) {
		// browsers cannot set headers on websocket dials; accept the
		// bootstrap token as a query parameter too
		if !auth(r) && !(d.AdminToken != "" && r.URL.Query().Get("token") == d.AdminToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		d.Hub.HandleSubscribe(w, r)
	})

	if d.DB != nil {
		mux.HandleFunc("/api/v1/auth/register", d.handleAuthRegister)
		mux.HandleFunc("/api/v1/auth/login", d.handleAuthLogin)
	}
}

func queryLimit(r *http.Request, def int) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
