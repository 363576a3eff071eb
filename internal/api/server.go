// Package api provides the read-only HTTP and WebSocket surface. External
// consumers get immutable snapshots refreshed once per tick; nothing here
// can mutate coordinator-owned state.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/helios-desk/options-engine/internal/coordinator"
	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	coord      *coordinator.Coordinator
}

// Client represents a connected WebSocket subscriber.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// Event is the WebSocket push envelope.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer creates the API server over the coordinator's snapshots.
func NewServer(logger *zap.Logger, config types.ServerConfig, coord *coordinator.Coordinator) *Server {
	server := &Server{
		logger:  logger.Named("api"),
		config:  config,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		coord:   coord,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Local dashboard only
			},
		},
	}
	server.setupRoutes()
	return server
}

// setupRoutes configures the read-only HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/snapshot", s.handleSnapshot).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies", s.handleStrategies).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/regime", s.handleRegime).Methods("GET")
	s.router.HandleFunc("/api/v1/greeks", s.handleGreeks).Methods("GET")
	s.router.HandleFunc("/api/v1/risk", s.handleRisk).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving HTTP until the listener closes.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encoding failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Snapshot()
	s.writeJSON(w, map[string]interface{}{
		"status":          "ok",
		"lastTick":        snap.Timestamp,
		"regimeAvailable": snap.RegimeAvailable,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.coord.Snapshot())
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.coord.Snapshot().Strategies)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Snapshot()
	if snap.Positions == nil {
		s.writeJSON(w, []*types.Position{})
		return
	}
	s.writeJSON(w, snap.Positions)
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Snapshot()
	s.writeJSON(w, map[string]interface{}{
		"regime":    snap.Regime,
		"available": snap.RegimeAvailable,
	})
}

func (s *Server) handleGreeks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.coord.Snapshot().Greeks)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Snapshot()
	s.writeJSON(w, map[string]interface{}{
		"breakers":  snap.Breakers,
		"occupancy": snap.Occupancy,
	})
}

// PublishSnapshot pushes a fresh snapshot to every connected client. It is
// the coordinator.Publisher implementation.
func (s *Server) PublishSnapshot(snap coordinator.EngineSnapshot) {
	s.broadcast(&Event{
		Type:      "snapshot",
		Payload:   snap,
		Timestamp: snap.Timestamp.UnixMilli(),
	})
}

// PublishAlert pushes a risk alert to every connected client.
func (s *Server) PublishAlert(alert coordinator.Alert) {
	s.broadcast(&Event{
		Type:      "alert",
		Payload:   alert,
		Timestamp: alert.At.UnixMilli(),
	})
}

func (s *Server) broadcast(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Event encoding failed", zap.Error(err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		select {
		case client.Send <- data:
		default:
			// Client buffer full, skip
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, 256),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("WebSocket client connected", zap.String("id", client.ID))

	go s.readPump(client)
	go s.writePump(client)
}

// readPump drains inbound frames to keep the connection's read side healthy.
// The API is push-only; client messages are ignored.
func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
		s.logger.Info("WebSocket client disconnected", zap.String("id", client.ID))
	}()

	client.Conn.SetReadLimit(64 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
