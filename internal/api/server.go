// Package api exposes the HTTP control surface: call origination, client
// teardown, session listing, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/sipagent/internal/agent"
	"github.com/sebas/sipagent/internal/logger"
)

// Server provides the agent HTTP API
type Server struct {
	agent      *agent.Agent
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server listening on the given address
func NewServer(a *agent.Agent, addr string) *Server {
	s := &Server{
		agent:     a,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/call", s.handleCall)
	mux.HandleFunc("POST /api/v1/register", s.handleRegister)
	mux.HandleFunc("GET /api/v1/sessions", s.handleSessions)
	mux.HandleFunc("DELETE /api/v1/clients/{id}", s.handleDestroyClient)
	mux.HandleFunc("DELETE /api/v1/clients", s.handleDestroyAll)
	mux.HandleFunc("DELETE /api/v1/clients/{id}/sessions/{sid}", s.handleEndSession)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	logger.Info("[API] Starting HTTP server", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("[API] Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req agent.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	result, err := s.agent.Call(req)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type registerRequest struct {
	ClientID  string `json:"client_id"`
	Registrar string `json:"registrar"`
	User      string `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.ClientID == "" || req.Registrar == "" || req.User == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("client_id, registrar and user are required"))
		return
	}

	if err := s.agent.Register(req.ClientID, req.Registrar, req.User); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.agent.Sessions()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleDestroyClient(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	s.agent.DestroyClient(clientID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "client_id": clientID})
}

func (s *Server) handleDestroyAll(w http.ResponseWriter, r *http.Request) {
	s.agent.DestroyAll()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	sessionID := r.PathValue("sid")
	if err := s.agent.EndSession(clientID, sessionID); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ended", "session_id": sessionID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime":%d}`, int64(time.Since(s.startTime).Seconds()))
}
