package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ronappleton/workflow-engine/internal/workflow"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case workflow.IsValidationError(err):
		var ve *workflow.ValidationError
		errors.As(err, &ve)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "validation failed",
			"problems": ve.Problems,
		})
	case errors.Is(err, workflow.ErrBadSignature), errors.Is(err, workflow.ErrStaleTimestamp):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func actorFrom(r *http.Request) workflow.Actor {
	return workflow.Actor{UserID: r.Header.Get("X-User-ID")}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// workflowPayload is the authoring request body.
type workflowPayload struct {
	Workflow workflow.Workflow `json:"workflow"`
	Steps    []workflow.Step   `json:"steps"`
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload workflowPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad json"})
			return
		}
		created, err := s.svc.CreateWorkflow(r.Context(), &payload.Workflow, payload.Steps, actorFrom(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		filter := workflow.ListFilter{}
		if v := r.URL.Query().Get("module_id"); v != "" {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				filter.ModuleID = parsed
			}
		}
		if v := r.URL.Query().Get("active"); v != "" {
			active := v == "true" || v == "1"
			filter.Active = &active
		}
		filter.TriggerTypes = workflow.ParseTriggerTypes(r.URL.Query().Get("trigger_types"))
		items, err := s.svc.ListWorkflows(r.Context(), filter)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/workflows/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if len(parts) == 1 {
		s.handleWorkflow(w, r, id)
		return
	}
	switch parts[1] {
	case "activate":
		s.handleSetActive(w, r, id, true)
	case "deactivate":
		s.handleSetActive(w, r, id, false)
	case "trigger":
		s.handleManualTrigger(w, r, id)
	case "steps":
		s.handleWorkflowSteps(w, r, id)
	case "versions":
		s.handleVersions(w, r, id)
	case "versions/diff":
		s.handleVersionDiff(w, r, id)
	case "rollback":
		s.handleRollback(w, r, id)
	case "executions":
		s.handleWorkflowExecutions(w, r, id)
	case "stats":
		s.handleStats(w, r, id)
	case "evaluate-scheduled":
		s.handleEvaluateScheduled(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		wf, err := s.svc.GetWorkflow(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	case http.MethodPut:
		var payload workflowPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad json"})
			return
		}
		updated, err := s.svc.UpdateWorkflow(r.Context(), id, &payload.Workflow, payload.Steps, actorFrom(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.svc.DeleteWorkflow(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request, id string, active bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	wf, err := s.svc.SetActive(r.Context(), id, active, actorFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowSteps(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	steps, err := s.svc.Steps(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": steps})
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var record workflow.RecordSnapshot
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad json"})
		return
	}
	exec, err := s.svc.TriggerManually(r.Context(), id, record, actorFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	versions, err := s.svc.ListVersions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": versions})
}

func (s *Server) handleVersionDiff(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	from, err1 := strconv.Atoi(r.URL.Query().Get("from"))
	to, err2 := strconv.Atoi(r.URL.Query().Get("to"))
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "from and to version numbers required"})
		return
	}
	diffs, err := s.svc.DiffVersions(r.Context(), id, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": diffs})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Version <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "version is required"})
		return
	}
	wf, err := s.svc.Rollback(r.Context(), id, body.Version, actorFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowExecutions(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter := workflow.ExecutionFilter{WorkflowID: id, Limit: 50}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = workflow.ExecutionStatus(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	items, err := s.svc.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.svc.Stats(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEvaluateScheduled(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Records []workflow.RecordSnapshot `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad json"})
		return
	}
	admitted, err := s.svc.EvaluateScheduled(r.Context(), id, body.Records)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"admitted": admitted})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var ev workflow.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad json"})
		return
	}
	if ev.Type == "" || ev.ModuleID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "type and module_id are required"})
		return
	}
	ev.IsCreate = ev.Type == workflow.TriggerRecordCreated
	admitted, err := s.svc.HandleEvent(r.Context(), ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"admitted": admitted})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/hooks/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	exec, err := s.svc.HandleWebhook(r.Context(), id,
		r.Header.Get("X-Workflow-Timestamp"),
		r.Header.Get("X-Workflow-Signature"),
		payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/executions/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		exec, err := s.svc.GetExecution(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
		return
	}
	switch parts[1] {
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		exec, err := s.svc.CancelExecution(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, exec)
	case "steps":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		logs, err := s.svc.StepLogs(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": logs})
	case "stream":
		s.handleExecutionStream(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleExecutionStream pushes execution events as SSE until the client
// disconnects or the execution reaches a terminal status.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}
	if _, err := s.svc.GetExecution(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.svc.Notifier().Subscribe(id)
	defer s.svc.Notifier().Unsubscribe(id, events)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			raw, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
			if name, _ := event["event"].(string); isTerminalEvent(name) {
				return
			}
		}
	}
}

func isTerminalEvent(name string) bool {
	switch name {
	case "execution.completed", "execution.failed", "execution.cancelled":
		return true
	}
	return false
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": workflow.BuiltinTemplates})
}

func (s *Server) handleTemplateByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/templates/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] != "instantiate" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ModuleID int64 `json:"module_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ModuleID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "module_id is required"})
		return
	}
	wf, err := s.svc.CreateFromTemplate(r.Context(), parts[0], body.ModuleID, actorFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}
