package service

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tessera-analytics/tessera/go/cache"
	"github.com/tessera-analytics/tessera/go/graph"
)

type previewRequest struct {
	Graph        json.RawMessage         `json:"graph" validate:"required"`
	TargetNodeID string                  `json:"target_node_id" validate:"required"`
	Filters      []graph.FilterCondition `json:"filter_params"`
	Offset       int64                   `json:"offset" validate:"min=0"`
	Limit        int64                   `json:"limit" validate:"min=0"`
}

// preview runs a single node of an in-flight canvas graph and returns its
// rows. The graph arrives inline; nothing is persisted.
func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	g, err := graph.Parse(req.Graph)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	resp, err := s.executor.Query(r.Context(), cache.Request{
		TenantID:     tenantFrom(r.Context()),
		TargetNodeID: req.TargetNodeID,
		Graph:        g,
		Filters:      req.Filters,
		Offset:       req.Offset,
		Limit:        req.Limit,
		Path:         cache.PathPreview,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

type startExecutionRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
}

// startExecution launches a stored workflow in the background and returns
// 202 with the execution id. Progress streams over the live channel.
func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}

	var tenant = tenantFrom(r.Context())
	workflow, err := s.store.GetWorkflow(r.Context(), tenant, req.WorkflowID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	g, err := graph.Parse(workflow.Graph)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	id, err := s.pipeline.Start(r.Context(), tenant, workflow.ID, g)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"execution_id": id, "status": "pending"})
}

func (s *Server) executionStatus(w http.ResponseWriter, r *http.Request) {
	var record, err = s.records.Get(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, record)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	var id = mux.Vars(r)["id"]
	if err := s.pipeline.Cancel(r.Context(), tenantFrom(r.Context()), id); err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"execution_id": id, "status": "cancelled"})
}
