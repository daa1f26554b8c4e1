// Package server exposes the prescription lifecycle over HTTP.
//
// A driver opens a session and then runs the four phases against it. Phase
// results are returned as JSON; byte fields are base64 encoded.
//
// # Session API (requires X-API-Key when an API key is configured)
//
//   - POST   {base}/sessions               - Open a session
//   - GET    {base}/sessions/{id}          - Session snapshot
//   - DELETE {base}/sessions/{id}          - Discard a session
//   - POST   {base}/sessions/{id}/create   - Create a task (prescriber)
//   - POST   {base}/sessions/{id}/activate - Activate the task (prescriber)
//   - POST   {base}/sessions/{id}/accept   - Accept the task (dispenser)
//   - POST   {base}/sessions/{id}/close    - Close the task (dispenser)
//
// A refused accept answers 204 No Content. Phases run out of order answer
// 412, unknown sessions 404, and backend or identity failures 502.
//
// # Health
//
//   - GET /health - Liveness probe
//   - GET /ready  - Readiness probe
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sirosfoundation/go-erezept/internal/config"
	"github.com/sirosfoundation/go-erezept/internal/coordinator"
)

const maxRequestBody = 10 * 1024 * 1024

// Coordinator runs lifecycle phases on sessions
type Coordinator interface {
	NewSession() string
	Snapshot(id string) (coordinator.Snapshot, error)
	Discard(id string) error
	Sessions() int

	Create(ctx context.Context, sessionID, accessToken string) (coordinator.CreateResult, error)
	Activate(ctx context.Context, sessionID string, signed []byte) (coordinator.ActivateResult, error)
	Accept(ctx context.Context, sessionID, accessToken string) (coordinator.AcceptResult, bool, error)
	Close(ctx context.Context, sessionID string, med coordinator.MedicationInput) (coordinator.CloseResult, error)
}

// Server is the lifecycle facade HTTP server
type Server struct {
	config  *config.ServerConfig
	logger  *slog.Logger
	httpSrv *http.Server
	coord   Coordinator
}

// Request bodies

// TokenRequest carries the access token hint of create and accept
type TokenRequest struct {
	AccessToken string `json:"accessToken"`
}

// ActivateRequest carries the signed prescription, base64 encoded in JSON
type ActivateRequest struct {
	SignedBundle []byte `json:"signedBundle"`
}

// SessionResponse is the answer to opening a session
type SessionResponse struct {
	SessionID string `json:"sessionId"`
}

// New creates a new facade server
func New(cfg *config.ServerConfig, coord Coordinator, logger *slog.Logger) (*Server, error) {
	if coord == nil {
		return nil, errors.New("coordinator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		logger: logger,
		coord:  coord,
	}
	if cfg.APIKey == "" {
		logger.Warn("no API key configured - session endpoints accept unauthenticated requests")
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins listening on the specified address
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting server", "addr", addr, "tls", s.config.TLS.Enabled)
	if s.config.TLS.Enabled {
		return s.httpSrv.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	basePath := strings.TrimSuffix(s.config.BasePath, "/")

	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("POST "+basePath+"/sessions", s.withAPIKey(s.handleNewSession))
	mux.HandleFunc("GET "+basePath+"/sessions/{sessionID}", s.withAPIKey(s.handleSnapshot))
	mux.HandleFunc("DELETE "+basePath+"/sessions/{sessionID}", s.withAPIKey(s.handleDiscard))

	mux.HandleFunc("POST "+basePath+"/sessions/{sessionID}/create", s.withAPIKey(s.handleCreate))
	mux.HandleFunc("POST "+basePath+"/sessions/{sessionID}/activate", s.withAPIKey(s.handleActivate))
	mux.HandleFunc("POST "+basePath+"/sessions/{sessionID}/accept", s.withAPIKey(s.handleAccept))
	mux.HandleFunc("POST "+basePath+"/sessions/{sessionID}/close", s.withAPIKey(s.handleClose))
}

// Middleware

func (s *Server) withAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.config.APIKey)) != 1 {
			s.logger.Debug("API key rejected", "path", r.URL.Path)
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]interface{}{
		"status":   "ready",
		"sessions": s.coord.Sessions(),
	}, http.StatusOK)
}

// Session handlers

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	id := s.coord.NewSession()
	s.logger.Info("session opened", "session", id)
	s.jsonResponse(w, SessionResponse{SessionID: id}, http.StatusCreated)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.Snapshot(r.PathValue("sessionID"))
	if err != nil {
		s.phaseError(w, r, err)
		return
	}
	s.jsonResponse(w, snap, http.StatusOK)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionID")
	if err := s.coord.Discard(id); err != nil {
		s.phaseError(w, r, err)
		return
	}
	s.logger.Info("session discarded", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

// Phase handlers

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.coord.Create(r.Context(), r.PathValue("sessionID"), req.AccessToken)
	if err != nil {
		s.phaseError(w, r, err)
		return
	}
	s.jsonResponse(w, result, http.StatusOK)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.coord.Activate(r.Context(), r.PathValue("sessionID"), req.SignedBundle)
	if err != nil {
		s.phaseError(w, r, err)
		return
	}
	s.jsonResponse(w, result, http.StatusOK)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, ok, err := s.coord.Accept(r.Context(), r.PathValue("sessionID"), req.AccessToken)
	if err != nil {
		s.phaseError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.jsonResponse(w, result, http.StatusOK)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req coordinator.MedicationInput
	if !s.decode(w, r, &req) {
		return
	}
	if req.Code == "" {
		s.jsonError(w, "medication code is required", http.StatusBadRequest)
		return
	}
	result, err := s.coord.Close(r.Context(), r.PathValue("sessionID"), req)
	if err != nil {
		s.phaseError(w, r, err)
		return
	}
	s.jsonResponse(w, result, http.StatusOK)
}

// Helper functions

// decode reads an optional JSON body into v. It writes a 400 answer and
// returns false if the body is not valid JSON.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
	return false
}

// phaseError maps coordinator errors to HTTP statuses
func (s *Server) phaseError(w http.ResponseWriter, r *http.Request, err error) {
	var precondition *coordinator.PreconditionError
	switch {
	case errors.Is(err, coordinator.ErrSessionNotFound):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &precondition):
		s.jsonError(w, err.Error(), http.StatusPreconditionFailed)
	case errors.Is(err, coordinator.ErrNoSignedDocument):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("phase failed", "path", r.URL.Path, "error", err)
		s.jsonError(w, err.Error(), http.StatusBadGateway)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
