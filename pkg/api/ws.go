package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleetgate/pkg/model"
)

// EventHub fans routing-plane events (health transitions, snapshot
// publishes, node churn) out to websocket subscribers: dashboards and ops
// tooling. Producers never stall on a dead peer; a subscriber that fails
// its write is closed and dropped.
type EventHub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

func NewEventHub(log *zap.Logger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  log,
		subs: map[*websocket.Conn]struct{}{},
	}
}

// HandleSubscribe upgrades the connection and streams events until the
// subscriber goes away.
func (h *EventHub) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	h.subs[c] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.log.Info("event subscriber connected", zap.Int("subscribers", n))
	go h.readLoop(c)
}

// Broadcast pushes one event to every subscriber. The hub lock serializes
// writes; transitions fire from concurrent probe goroutines and gorilla
// allows a single writer per conn.
func (h *EventHub) Broadcast(e model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteJSON(e); err != nil {
			_ = c.Close()
			delete(h.subs, c)
		}
	}
}

// Subscribers reports the live subscriber count.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// readLoop drains inbound frames so close handshakes are processed, and
// reaps the subscriber on error.
func (h *EventHub) readLoop(c *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.subs, c)
		h.mu.Unlock()
		_ = c.Close()
		h.log.Debug("event subscriber disconnected")
	}()
	for {
		if _, _, err := c.NextReader(); err != nil {
			return
		}
	}
}
