package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/genba/internal/breaker"
	"github.com/harunnryd/genba/internal/config"
	"github.com/harunnryd/genba/internal/engine"
	genbaErrors "github.com/harunnryd/genba/internal/errors"
	"github.com/harunnryd/genba/internal/store"
	"github.com/harunnryd/genba/internal/task"
)

// Server is the HTTP submission and operator surface.
type Server struct {
	engine       *engine.Engine
	store        *store.Store
	breakers     *breaker.Registry
	server       *http.Server
	retentionAge time.Duration
}

func NewServer(cfg config.ServerConfig, daemonCfg config.DaemonConfig, eng *engine.Engine, st *store.Store, breakers *breaker.Registry) (*Server, error) {
	readTimeout, err := config.DurationOrDefault(cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server write timeout: %w", err)
	}
	retentionAge, err := config.DurationOrDefault(daemonCfg.RetentionAge, config.DefaultDaemonRetentionAge)
	if err != nil {
		return nil, fmt.Errorf("parse retention age: %w", err)
	}

	s := &Server{
		engine:       eng,
		store:        st,
		breakers:     breakers,
		retentionAge: retentionAge,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGet)
	mux.HandleFunc("POST /api/v1/tasks/{id}/input", s.handleInput)
	mux.HandleFunc("POST /api/v1/tasks/{id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /api/v1/breakers", s.handleBreakers)
	mux.HandleFunc("POST /api/v1/breakers/{key}/reset", s.handleBreakerReset)
	mux.HandleFunc("POST /api/v1/sessions/sweep", s.handleSweep)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Handler is exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() {
	go func() {
		slog.Info("Starting API server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type submitRequest struct {
	ChatID     string `json:"chat_id"`
	Source     string `json:"source"`
	Input      string `json:"input"`
	DryRun     bool   `json:"dry_run"`
	TestMode   bool   `json:"test_mode"`
	WebhookURL string `json:"webhook_url"`
}

type submitResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Position int    `json:"position"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChatID == "" || req.Source == "" || req.Input == "" {
		http.Error(w, "Missing required fields: chat_id, source, input", http.StatusBadRequest)
		return
	}

	key := task.SessionKey{ChatID: req.ChatID, Source: req.Source}
	t, pos, err := s.engine.Submit(r.Context(), key, req.Input, req.DryRun, req.TestMode, req.WebhookURL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:   t.ID,
		Status:   "queued",
		Position: pos,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.FindByTaskID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var in engine.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	t, err := s.engine.SupplyInput(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Rollback(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.breakers.Snapshots(),
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.breakers.Reset(key); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "key": key})
}

type sweepRequest struct {
	MaxAge string `json:"max_age,omitempty"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	maxAge := s.retentionAge
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.MaxAge != "" {
		parsed, perr := time.ParseDuration(req.MaxAge)
		if perr != nil {
			http.Error(w, "Invalid max_age", http.StatusBadRequest)
			return
		}
		maxAge = parsed
	}

	removed := s.store.Sweep(maxAge)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
		"max_age": maxAge.String(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Health(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case genbaErrors.IsCategory(err, genbaErrors.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case genbaErrors.IsCategory(err, genbaErrors.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case genbaErrors.IsCategory(err, genbaErrors.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case genbaErrors.IsCategory(err, genbaErrors.ErrLockTimeout):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		slog.Error("Request failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
