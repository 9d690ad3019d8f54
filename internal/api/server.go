// Package api exposes the read-only status/control surface spec.md
// section 6 names as the "Exit conditions / lifecycle signals" the GUI
// collaborator would consume, plus the mode-change and emergency-reset
// control endpoints. The GUI itself is out of scope (spec.md section 1);
// this is only the port it would read from.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/gridtrader/ki-controller/internal/controller"
)

// Config configures the HTTP surface.
type Config struct {
	Addr               string
	CORSAllowedOrigins []string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		CORSAllowedOrigins: []string{"*"},
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
	}
}

// Server is the HTTP/WebSocket status server.
type Server struct {
	logger     *zap.Logger
	config     Config
	controller *controller.Controller
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	metrics    *Metrics
}

// NewServer builds the router and wires every handler to the Controller.
// Only the Controller may be read here; nothing in this package talks to
// the broker collaborator directly (spec.md section 5: only the Execution
// Manager issues side effects at the boundary).
func NewServer(logger *zap.Logger, config Config, ctl *controller.Controller, metrics *Metrics) *Server {
	s := &Server{
		logger:     logger.Named("api"),
		config:     config,
		controller: ctl,
		router:     mux.NewRouter(),
		hub:        NewHub(logger.Named("api-ws")),
		metrics:    metrics,
	}
	s.routes()
	return s
}

// Router exposes the underlying mux.Router, e.g. for registering
// additional handlers from the entry point.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub exposes the WebSocket hub so the entry point can wire Controller
// callbacks into PublishToChannel calls.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/mode", s.handleGetMode).Methods(http.MethodGet)
	api.HandleFunc("/mode", s.handleSetMode).Methods(http.MethodPost)
	api.HandleFunc("/levels/active", s.handleActiveLevels).Methods(http.MethodGet)
	api.HandleFunc("/decisions", s.handleDecisions).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/confirm", s.handleConfirmAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/reject", s.handleRejectAlert).Methods(http.MethodPost)
	api.HandleFunc("/risk", s.handleRisk).Methods(http.MethodGet)
	api.HandleFunc("/emergency/stop", s.handleEmergencyStop).Methods(http.MethodPost)
	api.HandleFunc("/emergency/reset", s.handleEmergencyReset).Methods(http.MethodPost)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

// Start begins serving HTTP, running the WebSocket hub's event loop.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins: s.config.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.hub.Run()

	s.logger.Info("api server listening", zap.String("addr", s.config.Addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.GetStatus())
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(s.controller.Mode())})
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch controller.Mode(req.Mode) {
	case controller.ModeOff, controller.ModeAlert, controller.ModeAutonomous:
		s.controller.SetMode(controller.Mode(req.Mode))
		writeJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
	default:
		writeError(w, http.StatusBadRequest, "mode must be OFF, ALERT or AUTONOMOUS")
	}
}

func (s *Server) handleActiveLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := s.controller.ActiveLevels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, levels)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Decisions())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.PendingAlerts())
}

func (s *Server) handleConfirmAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.controller.ConfirmAlert(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (s *Server) handleRejectAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.controller.RejectAlert(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.RiskSnapshot())
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual emergency stop requested via API"
	}
	s.controller.EmergencyStop(r.Context(), req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "emergency stop triggered"})
}

// emergencyResetRequest requires the caller to echo the trigger reason
// back as Confirm, the Open Question resolution recorded in SPEC_FULL.md
// section 7.3: a minimal "I read the reason" gate without inventing an
// auth subsystem spec.md never asked for.
type emergencyResetRequest struct {
	Confirm string `json:"confirm"`
}

func (s *Server) handleEmergencyReset(w http.ResponseWriter, r *http.Request) {
	var req emergencyResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.controller.ResetEmergency(req.Confirm); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "emergency reset"})
}
