package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/policy"
	"github.com/atlas-desktop/rl-trader/internal/registry"
	"github.com/atlas-desktop/rl-trader/internal/scheduler"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// ServerConfig configures the control API.
type ServerConfig struct {
	Host string
	Port int
}

// Server is the operational HTTP surface over the registry, trainer and
// scheduler.
type Server struct {
	logger    *zap.Logger
	config    ServerConfig
	router    *mux.Router
	http      *http.Server
	hub       *Hub
	registry  *registry.Registry
	trainer   *policy.Trainer
	scheduler *scheduler.Scheduler
}

// NewServer wires the routes and the WebSocket hub.
func NewServer(logger *zap.Logger, config ServerConfig, reg *registry.Registry, trainer *policy.Trainer, sched *scheduler.Scheduler) *Server {
	s := &Server{
		logger:    logger.Named("api-server"),
		config:    config,
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		registry:  reg,
		trainer:   trainer,
		scheduler: sched,
	}
	s.routes()
	return s
}

// Hub returns the WebSocket hub for event wiring.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.hub.ServeWS)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/presets", s.handlePresets).Methods(http.MethodGet)
	api.HandleFunc("/agents/{name}", s.handleGetAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{name}", s.handleDeleteAgent).Methods(http.MethodDelete)
	api.HandleFunc("/agents/{name}/logs", s.handleAgentLogs).Methods(http.MethodGet)

	api.HandleFunc("/traders", s.handleListTraders).Methods(http.MethodGet)
	api.HandleFunc("/traders/{id}/start", s.handleStartTrader).Methods(http.MethodPost)
	api.HandleFunc("/traders/{id}/stop", s.handleStopTrader).Methods(http.MethodPost)
	api.HandleFunc("/traders/{id}/self-training", s.handleSelfTraining).Methods(http.MethodGet)
}

// Start runs the HTTP server and the hub.
func (s *Server) Start() error {
	go s.hub.Run()

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("Control API listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"traders": len(s.scheduler.Traders()),
		"agents":  len(s.registry.List()),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, registry.Presets())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	status := s.registry.Get(name)
	if status == nil {
		s.writeError(w, http.StatusNotFound, "agent not found: "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.trainer.IsTraining(name) {
		s.writeError(w, http.StatusConflict, "agent is currently training")
		return
	}
	if err := s.trainer.DeleteAgent(name); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.writeJSON(w, http.StatusOK, s.trainer.TrainingLogs(name))
}

func (s *Server) handleListTraders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.Traders())
}

func (s *Server) handleStartTrader(w http.ResponseWriter, r *http.Request) {
	traderID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid trader id")
		return
	}

	cfg := types.DefaultTraderConfig(traderID, fmt.Sprintf("Trader-%d", traderID))
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil && err.Error() != "EOF" {
			s.writeError(w, http.StatusBadRequest, "invalid trader config: "+err.Error())
			return
		}
	}
	cfg.TraderID = traderID

	if err := s.scheduler.StartTrader(cfg); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"trader_id": traderID, "state": "running"})
}

func (s *Server) handleStopTrader(w http.ResponseWriter, r *http.Request) {
	traderID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid trader id")
		return
	}
	if err := s.scheduler.StopTrader(traderID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"trader_id": traderID, "state": "stopped"})
}

func (s *Server) handleSelfTraining(w http.ResponseWriter, r *http.Request) {
	traderID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid trader id")
		return
	}
	status := s.scheduler.SelfTrainingStatusFor(traderID)
	if status == nil {
		s.writeError(w, http.StatusNotFound, "no self-training status")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}
