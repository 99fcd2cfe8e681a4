package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/capital"
	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/position"
	"github.com/solweave/ammengine/internal/regime"
)

// recentDecisionsCap bounds the in-memory ring buffer Server keeps for
// recent_decisions(), avoiding unbounded growth over a long-running
// process.
const recentDecisionsCap = 200

// Config configures the HTTP/websocket server.
type Config struct {
	Host            string
	Port            int
	WebSocketPath   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// DefaultConfig mirrors the teacher's ServerConfig defaults.
func DefaultConfig() Config {
	return Config{
		Host:          "localhost",
		Port:          8080,
		WebSocketPath: "/ws",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
	}
}

// Server exposes status()/recent_decisions()/positions()/set_regime()
// over HTTP plus a websocket Hub for push updates. It is not imported by
// any of the four core decision subsystems; cmd/engine wires it
// standalone against the running position manager / capital controller
// / regime detector.
type Server struct {
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub

	posMgr  *position.Manager
	cap     *capital.Controller
	regime  *regime.Detector

	mu        sync.RWMutex
	decisions []*core.Decision
}

// New constructs a Server wired to the running engine's read surfaces.
func New(logger *zap.Logger, config Config, posMgr *position.Manager, cap *capital.Controller, regimeDt *regime.Detector) *Server {
	s := &Server{
		logger: logger.Named("api-server"),
		config: config,
		router: mux.NewRouter(),
		hub:    newHub(logger),
		posMgr: posMgr,
		cap:    cap,
		regime: regimeDt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/decisions/recent", s.handleRecentDecisions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/regime", s.handleSetRegime).Methods(http.MethodPost)
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start runs the hub loop and blocks serving HTTP until the listener
// errors or Shutdown is called.
func (s *Server) Start() error {
	go s.hub.run()

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting api server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// RecordDecision appends d to the recent-decisions ring buffer and
// broadcasts it to connected websocket clients. Called by the scheduler
// after every evaluated candidate.
func (s *Server) RecordDecision(d *core.Decision) {
	s.mu.Lock()
	s.decisions = append(s.decisions, d)
	if len(s.decisions) > recentDecisionsCap {
		s.decisions = s.decisions[len(s.decisions)-recentDecisionsCap:]
	}
	s.mu.Unlock()

	s.hub.Publish(EventDecision, d)
}

// NotifyPositionUpdate broadcasts a position state change. Called from
// the scheduler's position-outcome hook.
func (s *Server) NotifyPositionUpdate(pos core.Position) {
	s.hub.Publish(EventPosition, pos)
}

// NotifyRegimeChange broadcasts a regime transition.
func (s *Server) NotifyRegimeChange(next core.Regime) {
	s.hub.Publish(EventRegime, map[string]string{"regime": string(next)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	capState := s.cap.Snapshot()
	writeJSON(w, map[string]interface{}{
		"regime":           string(capState.Regime),
		"total_base":       capState.TotalBase,
		"free_base":        capState.FreeBase,
		"reserved_base":    capState.ReservedBase,
		"active_positions": capState.ActivePositions,
		"max_concurrent":   capState.MaxConcurrent,
		"open_positions":   len(s.posMgr.ListOpen()),
		"time":             time.Now().Unix(),
	})
}

func (s *Server) handleRecentDecisions(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make([]*core.Decision, len(s.decisions))
	copy(out, s.decisions)
	s.mu.RUnlock()

	writeJSON(w, map[string]interface{}{
		"decisions": out,
		"count":     len(out),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"positions": s.posMgr.ListOpen(),
	})
}

// handleSetRegime accepts a manual regime override, e.g. for an operator
// forcing conservative mode during an incident.
func (s *Server) handleSetRegime(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Regime string `json:"regime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	next := core.Regime(body.Regime)
	switch next {
	case core.RegimeConservative, core.RegimeScaled, core.RegimeHyper:
	default:
		http.Error(w, fmt.Sprintf("unknown regime %q", body.Regime), http.StatusBadRequest)
		return
	}

	s.cap.SetRegime(next)
	s.NotifyRegimeChange(next)
	writeJSON(w, map[string]string{"regime": string(next)})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: conn.RemoteAddr().String(), conn: conn, send: make(chan []byte, 64)}
	s.hub.register <- c

	go c.writePump()
	go c.readPump(s.hub)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
