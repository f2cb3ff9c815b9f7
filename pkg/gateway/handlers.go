package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dotsetgreg/dottask/pkg/agent"
	"github.com/dotsetgreg/dottask/pkg/logger"
	"github.com/dotsetgreg/dottask/pkg/memory"
	"github.com/dotsetgreg/dottask/pkg/quota"
	"github.com/dotsetgreg/dottask/pkg/sandbox"
	"github.com/dotsetgreg/dottask/pkg/tasks"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	maxBodyBytes      = 1 << 20
)

type errorBody struct {
	Code    int                `json:"code"`
	Message string             `json:"message"`
	Fields  []quota.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("gateway", "Failed to encode response", map[string]any{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Code: status, Message: msg})
}

// writeAgentError maps agent and store errors onto HTTP status codes.
func writeAgentError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, memory.ErrFactIndex):
		status = http.StatusNotFound
	case errors.Is(err, tasks.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, tasks.ErrTitleRequired),
		errors.Is(err, agent.ErrEmptyMessage),
		errors.Is(err, sandbox.ErrEmptyCode):
		status = http.StatusBadRequest
	case errors.Is(err, agent.ErrExecutionDisabled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.ErrorCF("gateway", "Request failed", map[string]any{"error": err.Error()})
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"instance": s.agent.ID(),
	})
}

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.agent.TriggerScan(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.agent.ScanStatus(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateScanConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if !decode(w, r, &patch) {
		return
	}
	cfg, rejected, err := s.agent.UpdateScanConfig(r.Context(), patch)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	if len(rejected) > 0 && len(rejected) == len(patch) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Code:    http.StatusBadRequest,
			Message: "no valid overrides",
			Fields:  rejected,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":   cfg,
		"rejected": rejected,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.agent.ListTasks(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleArchivedTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.agent.ArchivedTasks(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var d tasks.Draft
	if !decode(w, r, &d) {
		return
	}
	t, err := s.agent.CreateTask(r.Context(), d)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var p tasks.Patch
	if !decode(w, r, &p) {
		return
	}
	t, err := s.agent.UpdateTask(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorderTasks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if !decode(w, r, &body) {
		return
	}
	list, err := s.agent.ReorderTasks(r.Context(), body.IDs)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	t, err := s.agent.AcceptSuggestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// The reason is optional, so is the body.
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	t, err := s.agent.DeclineSuggestion(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	t, err := s.agent.CompleteTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.agent.Preferences(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch tasks.PreferencesPatch
	if !decode(w, r, &patch) {
		return
	}
	p, err := s.agent.UpdatePreferences(r.Context(), patch)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	snap, err := s.agent.Memory(r.Context())
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var edit memory.Edit
	if !decode(w, r, &edit) {
		return
	}
	snap, err := s.agent.UpdateMemory(r.Context(), edit)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteFact(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "fact index must be an integer")
		return
	}
	if err := s.agent.DeleteFact(r.Context(), idx); err != nil {
		writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	var types []string
	for _, v := range r.URL.Query()["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	events, err := s.agent.Events(r.Context(), limit, types...)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversationId"`
		Message        string `json:"message"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.ConversationID == "" {
		body.ConversationID = "web"
	}
	reply, err := s.agent.Chat(r.Context(), body.ConversationID, body.Message)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"conversationId": body.ConversationID,
		"reply":          reply,
	})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &body) {
		return
	}
	res, err := s.agent.ExecuteCode(r.Context(), body.Code)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
