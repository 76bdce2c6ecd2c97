package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/giovanycoelho/respondergpt/internal/bus"
	"github.com/giovanycoelho/respondergpt/internal/config"
	"github.com/giovanycoelho/respondergpt/internal/guard"
	"github.com/giovanycoelho/respondergpt/internal/pipeline"
	"github.com/giovanycoelho/respondergpt/internal/store"
	"github.com/giovanycoelho/respondergpt/internal/wabridge"
	"github.com/giovanycoelho/respondergpt/pkg/protocol"
)

// Server is the admin surface: a small HTTP API for config and status
// plus a WebSocket endpoint that streams pipeline events.
type Server struct {
	cfg        *config.Config
	configPath string
	eventPub   bus.EventPublisher
	pipe       *pipeline.Pipeline
	breaker    *guard.CircuitBreaker
	bridge     *wabridge.Client
	journal    *store.Store

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps carries the collaborators the admin surface reports on. Journal
// may be nil when the audit store is disabled.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Events     bus.EventPublisher
	Pipeline   *pipeline.Pipeline
	Breaker    *guard.CircuitBreaker
	Bridge     *wabridge.Client
	Journal    *store.Store
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		configPath: d.ConfigPath,
		eventPub:   d.Events,
		pipe:       d.Pipeline,
		breaker:    d.Breaker,
		bridge:     d.Bridge,
		journal:    d.Journal,
		clients:    make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The admin surface binds to localhost; browsers don't reach it
		// cross-origin in normal operation.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.eventPub.Subscribe("gateway", func(event bus.Event) {
		s.BroadcastEvent(*protocol.NewEvent(event.Name, event.Payload))
	})
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.auth(s.handleGetConfig))
	mux.HandleFunc("POST /config", s.auth(s.handlePostConfig))
	mux.HandleFunc("GET /status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /stats", s.auth(s.handleStats))
	mux.HandleFunc("GET /outcomes", s.auth(s.handleOutcomes))

	s.mux = mux
	return mux
}

// Start begins serving and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("admin server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// auth enforces the bearer token when one is configured. No token means
// the surface is open (local development).
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Gateway.Token
		if token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.View())
}

// handlePostConfig applies a config update at runtime and persists it.
// Secrets never travel through this endpoint; Apply keeps the env-loaded
// keys intact.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var incoming config.Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config body: "+err.Error())
		return
	}

	s.cfg.Apply(&incoming)

	if s.configPath != "" {
		if err := config.Save(s.cfg, s.configPath); err != nil {
			slog.Warn("config persist failed", "path", s.configPath, "error", err)
		}
	}

	slog.Info("config updated via admin API")
	s.eventPub.Broadcast(bus.Event{Name: protocol.EventConfigUpdated})
	writeJSON(w, http.StatusOK, s.cfg.View())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state, phone := s.bridge.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"connection": protocol.ConnectionStatusPayload{
			State:       state.String(),
			PhoneNumber: phone,
		},
		"breakers": s.breaker.Snapshot(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"pipeline": s.pipe.Stats(),
		"breakers": s.breaker.Snapshot(),
	}
	if s.journal != nil {
		since := time.Now().Add(-24 * time.Hour)
		if counts, err := s.journal.CountByState(r.Context(), since); err == nil {
			resp["outcomes24h"] = counts
		} else {
			slog.Warn("outcome counts query failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": recs})
}

// handleWebSocket upgrades the connection and streams pipeline events
// until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if token := s.cfg.Gateway.Token; token != "" {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// BroadcastEvent sends an event frame to every connected admin client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("admin client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("admin client disconnected", "id", c.id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
