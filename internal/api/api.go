package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joescharf/askdb/internal/agent"
	"github.com/joescharf/askdb/internal/dbadapter"
	"github.com/joescharf/askdb/internal/health"
	"github.com/joescharf/askdb/internal/models"
	"github.com/joescharf/askdb/internal/sessions"
	"github.com/joescharf/askdb/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Options configures a Server. Zero values select defaults.
type Options struct {
	CORSOrigin string
	Logger     *slog.Logger
}

// Server provides the REST API handlers.
type Server struct {
	sessions *sessions.Manager
	checker  *health.Checker
	store    store.Store
	origin   string
	logger   *slog.Logger
}

// NewServer creates a new API server. The store may be nil, in which case
// the history routes answer 503.
func NewServer(m *sessions.Manager, s store.Store, opts Options) *Server {
	srv := &Server{
		sessions: m,
		checker:  health.NewChecker(m, 0),
		store:    s,
		origin:   opts.CORSOrigin,
		logger:   opts.Logger,
	}
	if srv.origin == "" {
		srv.origin = "*"
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	return srv
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/connect", s.connect)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.disconnect)
	mux.HandleFunc("POST /api/v1/sessions/{id}/ask", s.ask)
	mux.HandleFunc("GET /api/v1/sessions/{id}/health", s.sessionHealth)

	mux.HandleFunc("GET /api/v1/health", s.health)

	mux.HandleFunc("GET /api/v1/history", s.listHistory)
	mux.HandleFunc("GET /api/v1/history/{id}", s.getHistory)
	mux.HandleFunc("DELETE /api/v1/history/{id}", s.deleteHistory)

	return corsMiddleware(s.origin, mux)
}

func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a caller-facing error to its status code and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dbadapter.ErrInvalidConfig),
		errors.Is(err, dbadapter.ErrUnsupportedDialect),
		errors.Is(err, agent.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sessions.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, dbadapter.ErrConnection):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

// --- Sessions ---

// ConnectResponse is the JSON response for POST /api/v1/connect.
type ConnectResponse struct {
	SessionID string         `json:"session_id"`
	Dialect   models.Dialect `json:"dialect"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var cfg models.DatabaseConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cfg.Dialect = models.ParseDialect(string(cfg.Dialect))

	id, err := s.sessions.Connect(r.Context(), cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ConnectResponse{SessionID: id, Dialect: cfg.Dialect})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Info(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Disconnect(r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AskRequest is the JSON body for POST /api/v1/sessions/{id}/ask.
type AskRequest struct {
	Question string `json:"question"`
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	out, err := s.sessions.Ask(r.Context(), r.PathValue("id"), req.Question)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, outcomeStatus(out), out)
}

// outcomeStatus picks the response code for a finished run. The outcome
// body is returned either way so callers keep the partial answer.
func outcomeStatus(out *models.AgentOutcome) int {
	if out.Status == models.OutcomeSuccess {
		return http.StatusOK
	}
	switch out.Reason {
	case models.ReasonTimeout:
		return http.StatusGatewayTimeout
	case models.ReasonOracleUnavailable, models.ReasonConnectionLost:
		return http.StatusBadGateway
	case models.ReasonBudget:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// --- Health ---

// SessionHealthResponse is the JSON response for GET /api/v1/sessions/{id}/health.
type SessionHealthResponse struct {
	SessionID string `json:"session_id"`
	Reachable bool   `json:"reachable"`
}

func (s *Server) sessionHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.checker.Session(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionHealthResponse{SessionID: id, Reachable: ok})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.checker.Check(r.Context()))
}

// --- History ---

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return false
	}
	return true
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), r.URL.Query().Get("session_id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) deleteHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.store.DeleteRun(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
