package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/saintparish4/burrow/internal/registry"
	"github.com/saintparish4/burrow/internal/rendezvous"
	"github.com/saintparish4/burrow/pkg/types"
)

// Config holds monitor configuration options
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		Logger:       slog.Default(),
	}
}

// Server serves the monitoring API for one rendezvous server
type Server struct {
	cfg     Config
	source  *rendezvous.Server
	hub     *Hub
	handler *Handler
	mux     *http.ServeMux
	logger  *slog.Logger
	started time.Time

	httpServer *http.Server
}

// NewServer creates a monitor for src and hooks its registration and lookup
// callbacks. It must be called before src starts serving.
func NewServer(cfg Config, src *rendezvous.Server) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "monitor")
	hub := NewHub()

	s := &Server{
		cfg:     cfg,
		source:  src,
		hub:     hub,
		handler: NewHandler(hub, src.Registry(), logger),
		mux:     http.NewServeMux(),
		logger:  logger,
		started: time.Now(),
	}

	s.handler.WriteTimeout = cfg.WriteTimeout
	src.Registry().OnRegister = s.onRegister
	src.OnLookup = s.onLookup

	s.setupRoutes()
	return s
}

func (s *Server) onRegister(e registry.Entry, tag registry.ListenerTag) {
	s.hub.Publish(NewEvent(EventTypeRegistered).
		WithPeerID(e.ID).
		WithPayload(RegisteredPayload{Listener: tag.String(), Peer: NewPeerInfo(e)}))
}

func (s *Server) onLookup(target, requester types.PeerID, found bool) {
	s.hub.Publish(NewEvent(EventTypeLookup).
		WithPeerID(requester).
		WithTargetID(target).
		WithPayload(LookupPayload{Found: found}))
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.mux.Handle("/ws", s.handler)

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/peers", s.handlePeers)
	s.mux.HandleFunc("/api/peers/", s.handlePeer) // /api/peers/{peerID}

	s.mux.HandleFunc("/", s.handleNotFound)
}

// Hub returns the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the WebSocket handler for configuration
func (s *Server) Handler() *Handler {
	return s.handler
}

// HandlerFunc returns the full HTTP handler, for embedding or httptest
func (s *Server) HandlerFunc() http.Handler {
	return s.corsMiddleware(s.mux)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:     s.HandlerFunc(),
		ReadTimeout: s.cfg.ReadTimeout,
		// No WriteTimeout: feed writes carry their own deadlines
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("monitor listening", "addr", ln.Addr().String())
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	err := s.httpServer.Shutdown(shutdownCtx)
	<-errCh
	return err
}

// --- HTTP Handlers ---

// corsMiddleware adds CORS headers for cross-origin requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	primary, secondary := s.source.Addrs()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"primary":   primary.String(),
		"secondary": secondary.String(),
		"uptime_ms": time.Since(s.started).Milliseconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStats returns server and registry counters
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"server":      s.source.Stats(),
		"subscribers": s.hub.Count(),
		"timestamp":   time.Now().UnixMilli(),
	})
}

// handlePeers lists every registered peer
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := s.source.Registry().All()
	peers := make([]PeerInfo, 0, len(entries))
	for _, e := range entries {
		peers = append(peers, NewPeerInfo(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peers": peers,
	})
}

// handlePeer returns one registered peer
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := types.PeerID(strings.TrimPrefix(r.URL.Path, "/api/peers/"))
	if id == "" {
		http.Error(w, "peer ID required", http.StatusBadRequest)
		return
	}

	entry, ok := s.source.Registry().Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "peer not found",
			"peer_id": id,
		})
		return
	}
	writeJSON(w, http.StatusOK, NewPeerInfo(entry))
}

// handleNotFound handles unknown routes
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": "not found",
		"path":  r.URL.Path,
	})
}
