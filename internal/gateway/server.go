// Package gateway serves the status API and the live event stream consumed
// by dashboard channels. It is a subscriber of the active-context bus, not a
// co-owner of router state.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meircohen/openclaw/internal/bus"
	"github.com/meircohen/openclaw/internal/logging"
)

const (
	// wsPingInterval is the interval between ping frames sent to clients.
	wsPingInterval = 30 * time.Second
	// wsWriteTimeout is the deadline for writing a message to a client.
	wsWriteTimeout = 5 * time.Second
)

// Config holds gateway settings.
type Config struct {
	// Port the HTTP server listens on. 0 disables the gateway.
	Port int `yaml:"port"`

	// AuthToken guards every endpoint when set.
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns default gateway settings.
func DefaultConfig() *Config {
	return &Config{Port: 0}
}

// SnapshotFunc assembles the status document served at /api/status.
type SnapshotFunc func() any

// Server is the status gateway.
type Server struct {
	config   *Config
	events   *bus.Bus
	snapshot SnapshotFunc
	upgrader websocket.Upgrader
	server   *http.Server
	log      *slog.Logger
}

// New creates a Server.
func New(config *Config, events *bus.Bus, snapshot SnapshotFunc) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config:   config,
		events:   events,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logging.WithComponent("gateway"),
	}
}

// Start launches the HTTP server. A zero port disables the gateway.
func (s *Server) Start() error {
	if s.config.Port == 0 {
		s.log.Info("Gateway disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("/api/events/recent", s.withAuth(s.handleRecentEvents))
	mux.HandleFunc("/ws/events", s.withAuth(s.handleEventStream))

	s.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.config.Port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Gateway server failed", slog.String("error", err.Error()))
		}
	}()

	s.log.Info("Gateway started", slog.Int("port", s.config.Port))
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// withAuth enforces the bearer token when one is configured.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token != s.config.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	doc := any(nil)
	if s.snapshot != nil {
		doc = s.snapshot()
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.log.Error("Failed to encode status", slog.String("error", err.Error()))
	}
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var events []bus.Event
	if s.events != nil {
		events = s.events.Recent()
	}
	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.log.Error("Failed to encode events", slog.String("error", err.Error()))
	}
}

// handleEventStream upgrades to WebSocket and pushes bus events as they
// arrive. On connect the replay buffer is sent first.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	s.log.Info("Event stream connected", slog.String("remote", r.RemoteAddr))

	for _, ev := range s.events.Recent() {
		if err := s.writeEvent(conn, ev); err != nil {
			return
		}
	}

	ch, cancel := s.events.Subscribe()
	defer cancel()

	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
		case <-pinger.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev bus.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}
