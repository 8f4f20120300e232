// Package server exposes the runtime's HTTP surface: the REST
// configuration endpoints, the WebSocket event stream, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgrid/agentgrid/internal/config"
	"github.com/agentgrid/agentgrid/internal/controller"
	"github.com/agentgrid/agentgrid/internal/hub"
	"github.com/agentgrid/agentgrid/pkg/models"
)

// Server binds the controller and hub to HTTP.
type Server struct {
	logger     *slog.Logger
	settings   *config.Settings
	controller *controller.Controller
	hub        *hub.Hub
	httpServer *http.Server
}

// New assembles the HTTP server.
func New(settings *config.Settings, ctrl *controller.Controller, h *hub.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:     logger.With("component", "server"),
		settings:   settings,
		controller: ctrl,
		hub:        h,
	}
	h.SetHandler(ctrl)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/system", s.handleGetSystem)
	mux.HandleFunc("POST /api/system", s.handlePostSystem)
	mux.HandleFunc("GET /api/agent/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/ws", h)

	s.httpServer = &http.Server{
		Addr:              settings.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.settings.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleGetSystem returns the persisted graph, defaulting to an empty
// graph when no file exists. The file is decoded into a GraphSpec and
// re-encoded, so comments and fields outside the graph schema are not
// returned.
func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	spec, err := config.LoadGraph(s.settings.GraphPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// handlePostSystem overwrites the persisted graph and reloads the
// runtime atomically.
func (s *Server) handlePostSystem(w http.ResponseWriter, r *http.Request) {
	var spec models.GraphSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid graph: "+err.Error())
		return
	}
	if err := config.ValidateGraph(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.SaveGraph(s.settings.GraphPath, &spec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.controller.LoadGraph(r.Context(), &spec); err != nil {
		// The graph is persisted; partial load failures are reported
		// but the surviving agents keep running.
		s.logger.Error("reload reported failures", "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "loaded with failures", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	messages, err := s.controller.History(agentID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"agents":  len(s.controller.Workers()),
		"clients": s.hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
