package monitor

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saintparish4/burrow/internal/registry"
)

// Upgrader abstracts WebSocket upgrade functionality.
// This interface is satisfied by a wrapped websocket.Upgrader.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error)
}

// GorillaUpgrader adapts websocket.Upgrader to Upgrader
type GorillaUpgrader struct {
	*websocket.Upgrader
}

// NewGorillaUpgrader creates a GorillaUpgrader that accepts any origin
func NewGorillaUpgrader() *GorillaUpgrader {
	return &GorillaUpgrader{
		Upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Upgrade implements the Upgrader interface
func (g *GorillaUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, h http.Header) (Conn, error) {
	conn, err := g.Upgrader.Upgrade(w, r, h)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler serves the /ws event feed
type Handler struct {
	hub      *Hub
	registry *registry.Registry
	upgrader Upgrader
	logger   *slog.Logger

	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	QueueSize    int
}

// NewHandler creates a feed handler publishing from hub
func NewHandler(hub *Hub, reg *registry.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		hub:          hub,
		registry:     reg,
		upgrader:     NewGorillaUpgrader(),
		logger:       logger,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		QueueSize:    256,
	}
}

// SetUpgrader replaces the WebSocket upgrader
func (h *Handler) SetUpgrader(u Upgrader) {
	h.upgrader = u
}

// ServeHTTP upgrades the request and streams events until the client leaves
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := newSubscriber(conn, h.QueueSize)

	// The snapshot is queued before the subscriber joins the hub so it is
	// always the first event
	entries := h.registry.All()
	peers := make([]PeerInfo, 0, len(entries))
	for _, e := range entries {
		peers = append(peers, NewPeerInfo(e))
	}
	sub.Send(NewEvent(EventTypeSnapshot).WithPayload(SnapshotPayload{Peers: peers}))

	h.hub.add(sub)
	h.logger.Info("subscriber connected", "id", sub.ID, "remote", r.RemoteAddr)
	defer func() {
		h.hub.remove(sub.ID)
		sub.Close()
		h.logger.Info("subscriber disconnected", "id", sub.ID, "dropped", sub.Dropped())
	}()

	go sub.writeLoop(h.WriteTimeout, h.PingInterval)

	conn.SetReadLimit(4 * 1024)
	conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.PongWait))
		return nil
	})

	// The feed is one-way; reading only services control frames
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
