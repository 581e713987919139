package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zerogate-project/zerogate/internal/access"
	"github.com/zerogate-project/zerogate/internal/core"
	"github.com/zerogate-project/zerogate/internal/policy"
	"github.com/zerogate-project/zerogate/internal/threat"
)

// Server is the zerogate REST API server.
type Server struct {
	engine *access.Engine
	cfg    *core.Config
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(engine *access.Engine, cfg *core.Config, logger zerolog.Logger) *Server {
	s := &Server{
		engine: engine,
		cfg:    cfg,
		logger: logger.With().Str("component", "api_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/authenticate", s.handleAuthenticate)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessionByID)
	mux.HandleFunc("/api/v1/threats", s.handleThreats)
	mux.HandleFunc("/api/v1/threats/", s.handleThreatByID)
	mux.HandleFunc("/api/v1/policies", s.handlePolicies)
	mux.HandleFunc("/api/v1/policies/", s.handlePolicyByID)
	mux.HandleFunc("/api/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/health", s.handleHealth)

	// Build middleware chain: CORS -> logging -> rate limit -> auth -> handler
	handler := corsMiddleware(
		loggingMiddleware(
			rateLimitMiddleware(
				authMiddleware(mux, cfg, s.logger),
				100, // 100 requests per second per IP
			),
			s.logger,
		),
		cfg.Server.CORSOrigins,
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.cfg.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.cfg.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled — set api_keys in config or ZEROGATE_API_KEY env var")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// authenticateRequest is the POST body of the decision endpoint: the
// resource the caller wants to reach.
type authenticateRequest struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

// handleAuthenticate runs the access decision pipeline for one request. The
// caller's identity rides in the Authorization bearer token; the body names
// the resource being requested.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.cfg.Server.JWTSecret == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "token verification not configured — set jwt_secret or ZEROGATE_JWT_SECRET",
		})
		return
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return
	}

	claims, err := parseToken(authHeader[7:], []byte(s.cfg.Server.JWTSecret))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	conn := core.ConnectionInfo{
		IPAddress: remoteIP(r),
		UserAgent: r.UserAgent(),
		Path:      req.Path,
		Method:    req.Method,
	}

	decision := s.engine.AuthenticateRequest(r.Context(), claims, conn)

	// A step-up is "come back with more proof", not a denial.
	status := http.StatusOK
	switch decision.Decision.Effect {
	case policy.EffectStepUp:
		status = http.StatusPreconditionRequired
	case policy.EffectDeny:
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := s.engine.ListActiveSessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if id == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if !s.engine.RevokeSession(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "session_id": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := threat.Filter{
		Type:   threat.Type(r.URL.Query().Get("type")),
		Status: threat.Status(r.URL.Query().Get("status")),
		Target: r.URL.Query().Get("target"),
	}
	threats := s.engine.ListThreats(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threats": threats,
		"total":   len(threats),
	})
}

// threatUpdateRequest is the PATCH body for triage transitions.
type threatUpdateRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleThreatByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/threats/")
	if id == "" {
		http.Error(w, "threat id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req threatUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		updated, err := s.engine.UpdateThreatStatus(id, threat.Status(req.Status))
		if err != nil {
			switch {
			case errors.Is(err, threat.ErrUnknownThreat):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			case errors.Is(err, threat.ErrTerminalStatus), errors.Is(err, threat.ErrInvalidTransition):
				writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			default:
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	policies := s.engine.ListPolicies()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"total":    len(policies),
	})
}

// policyUpdateRequest is the PATCH body for enabling or disabling a policy.
type policyUpdateRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handlePolicyByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/policies/")
	if id == "" {
		http.Error(w, "policy id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req policyUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must carry enabled: true|false"})
			return
		}
		if !s.engine.SetPolicyEnabled(id, *req.Enabled) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown policy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"policy_id": id, "enabled": *req.Enabled})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.GetMetrics())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
