package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/antigravity-dev/sidekick/internal/store"
)

// GET /api/v1/runs?project_id=...
func (s *Server) handleRunsIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	runs, err := s.store.ListRuns(projectID, 0)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// routeRuns dispatches /api/v1/runs/{id}[/...].
func (s *Server) routeRuns(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, basePath+"/runs/")
	parts := strings.SplitN(rest, "/", 2)
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id required")
		return
	}
	if len(parts) == 1 {
		s.handleRunDetail(w, r, runID)
		return
	}

	switch sub := parts[1]; {
	case sub == "start" || sub == "pause" || sub == "resume" || sub == "cancel":
		s.handleRunControl(w, r, runID, sub)
	case sub == "plan":
		// POST returns the plan materialized at run creation; GET reads it.
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.listSub(w, runID, func() (any, error) { return s.store.ListPlanSteps(runID) })
	case sub == "tasks":
		s.listGet(w, r, runID, func() (any, error) { return s.store.ListTasks(runID) })
	case sub == "sources":
		s.listGet(w, r, runID, func() (any, error) { return s.store.ListSources(runID) })
	case sub == "facts":
		s.listGet(w, r, runID, func() (any, error) { return s.store.ListFacts(runID) })
	case sub == "conflicts":
		s.listGet(w, r, runID, func() (any, error) { return s.store.ListConflicts(runID) })
	case sub == "artifacts":
		s.listGet(w, r, runID, func() (any, error) { return s.store.ListArtifacts(runID) })
	case sub == "approvals":
		s.listGet(w, r, runID, func() (any, error) { return s.store.ListApprovals(runID) })
	case sub == "snapshot":
		s.handleSnapshot(w, r, runID, false)
	case sub == "snapshot/download":
		s.handleSnapshot(w, r, runID, true)
	case sub == "events":
		s.handleEventStream(w, r, runID)
	case sub == "events/download":
		s.handleEventsDownload(w, r, runID)
	case strings.HasPrefix(sub, "steps/") && strings.HasSuffix(sub, "/retry"):
		stepID := strings.TrimSuffix(strings.TrimPrefix(sub, "steps/"), "/retry")
		s.handleRetry(w, r, runID, stepID, "")
	case strings.HasPrefix(sub, "tasks/") && strings.HasSuffix(sub, "/retry"):
		taskID := strings.TrimSuffix(strings.TrimPrefix(sub, "tasks/"), "/retry")
		s.handleRetry(w, r, runID, "", taskID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// GET /api/v1/runs/{id}
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listGet(w http.ResponseWriter, r *http.Request, runID string, fetch func() (any, error)) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.listSub(w, runID, fetch)
}

func (s *Server) listSub(w http.ResponseWriter, runID string, fetch func() (any, error)) {
	if _, err := s.store.GetRun(runID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	items, err := fetch()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// POST /api/v1/runs/{id}/{start|pause|resume|cancel}
func (s *Server) handleRunControl(w http.ResponseWriter, r *http.Request, runID, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.store.GetRun(runID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	var err error
	switch action {
	case "start":
		err = s.engine.StartRun(r.Context(), runID)
	case "pause":
		err = s.engine.Pause(runID)
	case "resume":
		err = s.engine.Resume(runID)
	case "cancel":
		err = s.engine.Cancel(runID)
	}
	if err != nil {
		// Pause/resume guard violations are caller errors.
		if action == "pause" || action == "resume" {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeStoreError(w, err)
		return
	}

	run, err := s.store.GetRun(runID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// POST /api/v1/runs/{id}/steps/{sid}/retry and /tasks/{tid}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, runID, stepID, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var err error
	if taskID != "" {
		err = s.engine.RetryTask(r.Context(), runID, taskID)
	} else {
		err = s.engine.RetryStep(r.Context(), runID, stepID)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /api/v1/runs/{id}/snapshot[/download]
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, runID string, download bool) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap, err := s.engine.Snapshot(runID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if download {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+runID+"-snapshot.json"))
	}
	writeJSON(w, http.StatusOK, snap)
}

// routeApprovals dispatches /api/v1/approvals/{id}/{approve|reject}.
func (s *Server) routeApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, basePath+"/approvals/")

	var status string
	var id string
	switch {
	case strings.HasSuffix(rest, "/approve"):
		id, status = strings.TrimSuffix(rest, "/approve"), store.ApprovalApproved
	case strings.HasSuffix(rest, "/reject"):
		id, status = strings.TrimSuffix(rest, "/reject"), store.ApprovalRejected
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var req struct {
		Decision json.RawMessage `json:"decision"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json request body")
			return
		}
	}

	if err := s.store.ResolveApproval(id, status, req.Decision, "user"); err != nil {
		s.writeStoreError(w, err)
		return
	}
	a, err := s.store.GetApproval(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
