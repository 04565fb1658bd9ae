package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fleetgate/pkg/auth"
	"fleetgate/pkg/dispatch"
	"fleetgate/pkg/limiter"
	"fleetgate/pkg/model"
	"fleetgate/pkg/probe"
	"fleetgate/pkg/registry"
	"fleetgate/pkg/routing"
	"fleetgate/pkg/store"
)

// Deps carries the gateway subsystems the HTTP layer serves. Handlers own
// no state of their own; everything is read through or forwarded to these.
type Deps struct {
	Registry   *registry.Registry
	Publisher  *routing.Publisher
	Dispatcher *dispatch.Dispatcher
	Prober     *probe.Prober
	Limiter    *limiter.Limiter
	Journal    store.Journal
	Hub        *EventHub
	Sink       *gometrics.InmemSink
	Log        *zap.Logger

	AdminToken  string   // bootstrap admin token; empty leaves admin open (dev)
	ClientToken string   // optional shared token for the client API
	DB          *gorm.DB // users DB; nil runs token-only admin auth
}

// authFunc builds the shared-token check. An empty token allows everything.
func authFunc(token string) func(r *http.Request) bool {
	if token == "" {
		return func(_ *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		h := r.Header.Get("X-Auth-Token")
		if h == "" {
			// also allow simple Bearer token
			authz := r.Header.Get("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				h = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		return h == token
	}
}

func authFuncJWT(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(h, "Bearer ")
	_, err := auth.Parse(token)
	return err == nil
}

// adminAuth accepts the bootstrap token or, when the users DB is enabled,
// a JWT session.
func (d *Deps) adminAuth() func(r *http.Request) bool {
	token := authFunc(d.AdminToken)
	return func(r *http.Request) bool {
		if token(r) {
			return true
		}
		return d.DB != nil && authFuncJWT(r)
	}
}

// actorFrom names the admin behind a request for audit entries: the JWT
// username when a session is presented, otherwise the bootstrap identity.
func actorFrom(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		if claims, err := auth.Parse(strings.TrimPrefix(h, "Bearer ")); err == nil {
			return claims.Username
		}
	}
	return "admin"
}

func (d *Deps) audit(actor, action, target, detail string) {
	if d.Journal == nil {
		return
	}
	_ = d.Journal.AppendAudit(model.AuditEntry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// emitEvent records a routing-plane event and pushes it to subscribers.
func (d *Deps) emitEvent(e model.Event) {
	if d.Journal != nil {
		_ = d.Journal.AppendEvent(e)
	}
	if d.Hub != nil {
		d.Hub.Broadcast(e)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
