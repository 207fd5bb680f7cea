package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coworklabs/coworkd/internal/approval"
	"github.com/coworklabs/coworkd/internal/hub"
	"github.com/coworklabs/coworkd/internal/idgen"
	"github.com/coworklabs/coworkd/internal/orchestrator"
	"github.com/coworklabs/coworkd/internal/runtime"
	"github.com/coworklabs/coworkd/internal/state"
)

type Server struct {
	Manager     *runtime.Manager
	Orch        *orchestrator.Orchestrator
	Coordinator *approval.Coordinator
	Approvals   *state.ApprovalStore
	Audit       *state.AuditStore
	Sessions    *state.SessionStore
	Hub         *hub.Hub
	StartedAt   time.Time
	Info        DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)
	mux.HandleFunc("/api/approvals", s.handleApprovals)
	mux.HandleFunc("/api/approvals/", s.handleApprovalItem)
	mux.HandleFunc("/api/sessions/", s.handleSessions)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/audit", s.handleAudit)
	mux.HandleFunc("/api/streams/subscribe", s.handleStreamSubscribe)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := state.TaskFilter{
			SessionID: r.URL.Query().Get("session"),
			Status:    state.TaskStatus(r.URL.Query().Get("status")),
			Limit:     parseInt(r.URL.Query().Get("limit"), 100),
		}
		items, err := s.Orch.ListTasks(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var payload struct {
			SessionID string `json:"session_id"`
			Prompt    string `json:"prompt"`
			Title     string `json:"title"`
			ModelID   string `json:"model_id"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.SessionID == "" {
			writeError(w, http.StatusBadRequest, errNotFound("session_id"))
			return
		}
		if err := idgen.ValidateSessionID(payload.SessionID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task, err := s.Manager.EnqueueTask(r.Context(), payload.SessionID, runtime.TaskRequest{
			Prompt:  payload.Prompt,
			Title:   payload.Title,
			ModelID: payload.ModelID,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	taskID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		task, ok, err := s.Orch.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, errNotFound("task"))
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	action := segments[1]
	switch action {
	case "await":
		s.handleTaskAwait(w, r, taskID)
	case "cancel":
		s.handleTaskCancel(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("task action"))
	}
}

func (s *Server) handleTaskAwait(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	task, err := s.Manager.WaitForTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	task, changed, err := s.Orch.UpdateTaskStatus(r.Context(), taskID, state.TaskCancelled, orchestrator.LiveStatuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if task.ID == "" {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "cancelled": changed})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	session := r.URL.Query().Get("session")
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	items, err := s.Approvals.ListPending(r.Context(), session, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleApprovalItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/approvals/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("approval"))
		return
	}
	approvalID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		record, ok, err := s.Approvals.GetByID(r.Context(), approvalID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, errNotFound("approval"))
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}

	if segments[1] != "resolve" {
		writeError(w, http.StatusNotFound, errNotFound("approval action"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Decision string `json:"decision"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var status state.ApprovalStatus
	switch payload.Decision {
	case "approved":
		status = state.ApprovalApproved
	case "rejected":
		status = state.ApprovalRejected
	default:
		writeError(w, http.StatusBadRequest, errNotFound("valid decision"))
		return
	}
	record, err := s.Coordinator.ResolveApproval(r.Context(), approvalID, status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, errNotFound("approval"))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	sessionID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		session, ok, err := s.Sessions.GetByID(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, errNotFound("session"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session":     session,
			"phase":       s.Manager.SessionPhase(sessionID),
			"active_task": s.Manager.ActiveTask(sessionID),
		})
		return
	}

	switch segments[1] {
	case "mode":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var payload struct {
			Mode string `json:"mode"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.Mode == "" {
			writeError(w, http.StatusBadRequest, errNotFound("mode"))
			return
		}
		if err := idgen.ValidateSessionID(sessionID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		session, err := s.Manager.UpdateSessionMode(r.Context(), sessionID, payload.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case "stop":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		s.Manager.StopSessionRuntime(sessionID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, errNotFound("session action"))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	session := r.URL.Query().Get("session")
	if session == "" {
		writeError(w, http.StatusBadRequest, errNotFound("session"))
		return
	}
	after := parseInt64(r.URL.Query().Get("after"), 0)
	writeJSON(w, http.StatusOK, s.Hub.ListSince(session, after))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	session := r.URL.Query().Get("session")
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	items, err := s.Audit.ListRecent(r.Context(), session, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseInt64(value string, fallback int64) int64 {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
