package api

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tcmartin/flowcraft/pkg/loader"
	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/storage"
)

type flowRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type diagramRequest struct {
	Nodes []models.Node `json:"nodes"`
	Edges []models.Edge `json:"edges"`
}

// flowForWorkspace loads a flow and hides flows of other workspaces
func (s *Server) flowForWorkspace(ctx context.Context, r *http.Request, flowID string) (*models.Flow, error) {
	flow, err := s.deps.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if flow.WorkspaceID != workspaceOf(r) {
		return nil, storage.ErrFlowNotFound
	}
	return flow, nil
}

// handleListFlows handles listing flows of the caller's workspace
func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.deps.Flows.ListFlows(r.Context(), workspaceOf(r))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

// handleCreateFlow handles creating a flow
func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Flow name is required")
		return
	}

	flow := &models.Flow{
		WorkspaceID: workspaceOf(r),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
	}
	if err := s.deps.Flows.CreateFlow(r.Context(), flow); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.logger.LogSystemEvent("flow_created", map[string]interface{}{
		"flow_id":      flow.ID,
		"workspace_id": flow.WorkspaceID,
	})
	writeJSON(w, http.StatusCreated, flow)
}

// handleGetFlow handles fetching a flow
func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.flowForWorkspace(r.Context(), r, mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// handleUpdateFlow handles renaming a flow
func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.flowForWorkspace(r.Context(), r, mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	var req flowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		flow.Name = name
	}
	flow.Description = req.Description

	if err := s.deps.Flows.UpdateFlow(r.Context(), flow); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// handleDeleteFlow handles deleting a flow and its diagram
func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.flowForWorkspace(r.Context(), r, mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.deps.Flows.DeleteFlow(r.Context(), flow.ID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.resync(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleGetDiagram handles fetching the diagram of a flow
func (s *Server) handleGetDiagram(w http.ResponseWriter, r *http.Request) {
	flow, err := s.flowForWorkspace(r.Context(), r, mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	diagram, err := s.deps.Flows.GetDiagram(r.Context(), flow.ID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diagram)
}

// handleSaveDiagram handles replacing the diagram of a flow
func (s *Server) handleSaveDiagram(w http.ResponseWriter, r *http.Request) {
	flow, err := s.flowForWorkspace(r.Context(), r, mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	var req diagramRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Nodes == nil {
		req.Nodes = []models.Node{}
	}
	if req.Edges == nil {
		req.Edges = []models.Edge{}
	}

	diagram := &models.Diagram{FlowID: flow.ID, Nodes: req.Nodes, Edges: req.Edges}
	if err := s.deps.Flows.SaveDiagram(r.Context(), diagram); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.resync(r.Context())
	writeJSON(w, http.StatusOK, diagram)
}

// handleImportFlow creates a flow from a JSON or YAML document
func (s *Server) handleImportFlow(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	hint := r.URL.Query().Get("format")
	if hint == "" {
		hint = r.Header.Get("Content-Type")
	}
	doc, err := s.deps.Loader.Parse(content, loader.DetectFormat(content, hint))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	name := strings.TrimSpace(doc.Name)
	if override := r.URL.Query().Get("name"); override != "" {
		name = override
	}
	if name == "" {
		name = "Imported flow"
	}

	flow := &models.Flow{WorkspaceID: workspaceOf(r), Name: name, Description: doc.Description}
	if err := s.deps.Flows.CreateFlow(r.Context(), flow); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	diagram := doc.Diagram(flow.ID, flow.WorkspaceID)
	if err := s.deps.Flows.SaveDiagram(r.Context(), diagram); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.resync(r.Context())

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"flow":    flow,
		"diagram": diagram,
	})
}

// handleExportFlow returns a flow as an importable document
func (s *Server) handleExportFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.flowForWorkspace(r.Context(), r, mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	diagram, err := s.deps.Flows.GetDiagram(r.Context(), flow.ID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	format := loader.FormatJSON
	if strings.EqualFold(r.URL.Query().Get("format"), "yaml") {
		format = loader.FormatYAML
	}
	content, err := loader.Export(flow, diagram, format)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	if format == loader.FormatYAML {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// resync tells the scheduler that diagrams changed
func (s *Server) resync(ctx context.Context) {
	if s.deps.Scheduler == nil {
		return
	}
	if err := s.deps.Scheduler.Sync(ctx); err != nil {
		s.logger.Warn("schedule sync failed", logging.Err(err))
	}
}
