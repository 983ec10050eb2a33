package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/storage"
	"github.com/tcmartin/flowcraft/pkg/triggers"
)

// Run history paging
const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// CreateRunRequest starts a manual run
type CreateRunRequest struct {
	FlowID    string      `json:"flow_id"`
	FlowIDAlt string      `json:"flowId"`
	Payload   interface{} `json:"payload"`
	ErrorMode string      `json:"errorMode"`
	Execute   *bool       `json:"execute"`
}

// ExecuteRunRequest executes a queued run
type ExecuteRunRequest struct {
	RunID    string `json:"run_id"`
	RunIDAlt string `json:"runId"`
}

// runView is a run with its derived duration
type runView struct {
	*models.Run
	DurationMs *int64 `json:"duration_ms"`
}

func viewRun(run *models.Run) runView {
	return runView{Run: run, DurationMs: run.DurationMs()}
}

// handleCreateRun creates a manual run and executes it unless asked not to
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.FlowID == "" {
		req.FlowID = req.FlowIDAlt
	}
	if req.FlowID == "" {
		req.FlowID = r.URL.Query().Get("flow_id")
	}

	execute := true
	if req.Execute != nil {
		execute = *req.Execute
	}
	if v := r.URL.Query().Get("execute"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			execute = parsed
		}
	}

	manual := triggers.ManualRequest{
		FlowID:      req.FlowID,
		WorkspaceID: workspaceOf(r),
		Payload:     req.Payload,
		ErrorMode:   req.ErrorMode,
	}

	if !execute {
		run, err := s.deps.Triggers.CreateManualRun(r.Context(), manual)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"id":     run.ID,
			"status": run.Status,
			"run":    run,
		})
		return
	}

	outcome, err := s.deps.Triggers.Manual(r.Context(), manual)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome.Result)
}

// handleExecuteRun executes an already queued run of the caller's workspace
func (s *Server) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	runID := req.RunID
	if runID == "" {
		runID = req.RunIDAlt
	}
	if runID == "" {
		runID = r.URL.Query().Get("run_id")
	}
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if run.WorkspaceID != workspaceOf(r) {
		s.writeFailure(w, r, storage.ErrRunNotFound)
		return
	}

	result, err := s.deps.Engine.ExecuteRun(r.Context(), runID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRunLogs returns run meta, flow meta and the node logs of a run
func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if run.WorkspaceID != workspaceOf(r) {
		s.writeFailure(w, r, storage.ErrRunNotFound)
		return
	}

	var flowMeta interface{}
	if flow, err := s.deps.Flows.GetFlow(r.Context(), run.FlowID); err == nil {
		flowMeta = map[string]interface{}{
			"id":          flow.ID,
			"name":        flow.Name,
			"description": flow.Description,
		}
	} else {
		s.logger.Debug("flow meta unavailable", logging.F("run_id", run.ID), logging.Err(err))
	}

	logs, err := s.deps.Runs.GetNodeLogs(r.Context(), runID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.NodeLog{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": run.Status,
		"run":    viewRun(run),
		"flow":   flowMeta,
		"logs":   logs,
	})
}

// handleRunHistory lists runs of a flow, newest first
func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	flowID := q.Get("flow_id")
	if flowID == "" {
		writeError(w, http.StatusBadRequest, "flow_id is required")
		return
	}

	filter := storage.RunFilter{
		WorkspaceID: workspaceOf(r),
		FlowID:      flowID,
		Limit:       defaultHistoryLimit,
	}
	if status := strings.ToLower(q.Get("status")); status != "" && status != "all" {
		filter.Status = models.RunStatus(status)
	}
	if from, ok := parseTime(q.Get("from")); ok {
		filter.From = &from
	}
	if to, ok := parseTime(q.Get("to")); ok {
		filter.To = &to
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		filter.Limit = n
		if filter.Limit > maxHistoryLimit {
			filter.Limit = maxHistoryLimit
		}
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		filter.Offset = n
	}

	// fetch one extra row to learn whether another page exists
	limit := filter.Limit
	filter.Limit++
	runs, err := s.deps.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	hasMore := len(runs) > limit
	if hasMore {
		runs = runs[:limit]
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, viewRun(run))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":    views,
		"hasMore": hasMore,
	})
}

// parseTime accepts RFC3339 timestamps and plain dates
func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
