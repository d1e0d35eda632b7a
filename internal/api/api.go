// Package api exposes the assistant over a local HTTP API under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/antigravity-dev/sidekick/internal/config"
	"github.com/antigravity-dev/sidekick/internal/engine"
	"github.com/antigravity-dev/sidekick/internal/planner"
	"github.com/antigravity-dev/sidekick/internal/store"
)

const basePath = "/api/v1"

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	engine     *engine.Engine
	logger     *slog.Logger
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates an API server over the store and the run engine.
func NewServer(cfg *config.Config, s *store.Store, eng *engine.Engine, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     s,
		engine:    eng,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}
}

// Handler builds the full route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated: bootstrap, auth status, liveness.
	mux.HandleFunc(basePath+"/auth/bootstrap", s.handleBootstrap)
	mux.HandleFunc(basePath+"/auth/status", s.handleAuthStatus)
	mux.HandleFunc(basePath+"/status", s.handleStatus)

	mux.HandleFunc(basePath+"/projects", s.requireAuth(s.handleProjects))
	mux.HandleFunc(basePath+"/projects/", s.requireAuth(s.routeProjects))
	mux.HandleFunc(basePath+"/runs", s.requireAuth(s.handleRunsIndex))
	mux.HandleFunc(basePath+"/runs/", s.requireAuth(s.routeRuns))
	mux.HandleFunc(basePath+"/approvals/", s.requireAuth(s.routeApprovals))
	mux.HandleFunc(basePath+"/memories", s.requireAuth(s.handleMemories))
	mux.HandleFunc(basePath+"/memories/", s.requireAuth(s.routeMemories))
	mux.HandleFunc(basePath+"/reminders", s.requireAuth(s.handleReminders))
	mux.HandleFunc(basePath+"/reminders/", s.requireAuth(s.routeReminders))

	return withCORS(mux)
}

// Start begins listening on the configured bind address. Blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// withCORS answers preflight requests and opens the API to local UIs.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeStoreError maps store sentinels onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrRunCanceled):
		writeError(w, http.StatusConflict, "run is canceled")
	case errors.Is(err, store.ErrApprovalResolved):
		writeError(w, http.StatusConflict, "approval already resolved")
	case errors.Is(err, store.ErrMemoryTooLong):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

// GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_s": time.Since(s.startTime).Seconds(),
		"qa_mode":  s.cfg.General.QAMode,
	})
}

// --- Projects ---

// GET|POST /api/v1/projects
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.store.ListProjects()
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
	case http.MethodPost:
		var req struct {
			Name     string          `json:"name"`
			Settings json.RawMessage `json:"settings"`
		}
		if err := decodeBody(r, &req); err != nil || req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		p, err := s.store.CreateProject(req.Name, req.Settings)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// routeProjects dispatches /api/v1/projects/{id} and its sub-resources.
func (s *Server) routeProjects(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, basePath+"/projects/")
	if rest == "" {
		s.handleProjects(w, r)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/runs"); ok {
		s.handleProjectRuns(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/memory/search"); ok {
		s.handleMemorySearch(w, r, id)
		return
	}
	s.handleProjectDetail(w, r, rest)
}

// GET /api/v1/projects/{id}/memory/search?q=
func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.store.GetProject(projectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	mems, err := s.store.SearchMemories(r.URL.Query().Get("q"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": mems})
}

// GET|PUT /api/v1/projects/{id}
func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.store.GetProject(id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut, http.MethodPatch:
		var req struct {
			Name     string          `json:"name"`
			Settings json.RawMessage `json:"settings"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json request body")
			return
		}
		p, err := s.store.UpdateProject(id, req.Name, req.Settings)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// GET|POST /api/v1/projects/{id}/runs — create or list runs of a project.
func (s *Server) handleProjectRuns(w http.ResponseWriter, r *http.Request, projectID string) {
	switch r.Method {
	case http.MethodGet:
		runs, err := s.store.ListRuns(projectID, 0)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	case http.MethodPost:
		var req struct {
			QueryText   string `json:"query_text"`
			Mode        string `json:"mode"`
			ParentRunID string `json:"parent_run_id"`
			Purpose     string `json:"purpose"`
		}
		if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.QueryText) == "" {
			writeError(w, http.StatusBadRequest, "query_text is required")
			return
		}
		if _, err := s.store.GetProject(projectID); err != nil {
			s.writeStoreError(w, err)
			return
		}
		res, err := s.engine.CreateRun(r.Context(), projectID, req.QueryText, req.Mode, req.ParentRunID, req.Purpose)
		if err != nil {
			if errors.Is(err, planner.ErrMemoryItemMissing) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Memories ---

// GET|POST /api/v1/memories
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if q := r.URL.Query().Get("q"); q != "" {
			mems, err := s.store.SearchMemories(q)
			if err != nil {
				s.writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"memories": mems})
			return
		}
		mems, err := s.store.ListMemories()
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": mems})
	case http.MethodPost:
		var req struct {
			Title   string   `json:"title"`
			Content string   `json:"content"`
			Tags    []string `json:"tags"`
			Pinned  bool     `json:"pinned"`
		}
		if err := decodeBody(r, &req); err != nil || req.Content == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}
		m, err := s.store.SaveMemory(&store.UserMemory{
			Title:   req.Title,
			Content: req.Content,
			Tags:    req.Tags,
			Pinned:  req.Pinned,
			Source:  store.MemorySourceUserCommand,
		}, s.cfg.Memory.MaxChars)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// GET|PATCH|DELETE /api/v1/memories/{id}
func (s *Server) routeMemories(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, basePath+"/memories/")
	if id == "" {
		s.handleMemories(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		m, err := s.store.GetMemory(id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case http.MethodPatch:
		existing, err := s.store.GetMemory(id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		req := struct {
			Title   *string  `json:"title"`
			Content *string  `json:"content"`
			Tags    []string `json:"tags"`
			Pinned  *bool    `json:"pinned"`
		}{}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json request body")
			return
		}
		title, content, tags, pinned := existing.Title, existing.Content, existing.Tags, existing.Pinned
		if req.Title != nil {
			title = *req.Title
		}
		if req.Content != nil {
			content = *req.Content
		}
		if req.Tags != nil {
			tags = req.Tags
		}
		if req.Pinned != nil {
			pinned = *req.Pinned
		}
		m, err := s.store.UpdateMemory(id, title, content, tags, pinned, s.cfg.Memory.MaxChars)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case http.MethodDelete:
		if err := s.store.DeleteMemory(id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Reminders ---

// GET|POST /api/v1/reminders
func (s *Server) handleReminders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rems, err := s.store.ListReminders()
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reminders": rems})
	case http.MethodPost:
		var req struct {
			DueAt    time.Time `json:"due_at"`
			Text     string    `json:"text"`
			Delivery string    `json:"delivery"`
		}
		if err := decodeBody(r, &req); err != nil || req.Text == "" || req.DueAt.IsZero() {
			writeError(w, http.StatusBadRequest, "due_at and text are required")
			return
		}
		if req.Delivery == "" {
			req.Delivery = store.DeliveryLocal
		}
		rem, err := s.store.CreateReminder(req.DueAt, req.Text, req.Delivery, "")
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rem)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// GET|DELETE /api/v1/reminders/{id} — DELETE cancels the reminder.
func (s *Server) routeReminders(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, basePath+"/reminders/")
	if id == "" {
		s.handleReminders(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rem, err := s.store.GetReminder(id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rem)
	case http.MethodDelete:
		if err := s.store.CancelReminder(id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		rem, err := s.store.GetReminder(id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rem)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
